package nearman

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const eventLogPrefix = "EVENT_JSON:"

// Contract event names as emitted by the aBTC NEAR contract.
const (
	EventMintDeposit = "mint_deposit"
	EventBurnRedeem  = "burn_redeem"
	EventMintBridge  = "mint_bridge"
	EventBurnBridge  = "burn_bridge"
)

// EventLog is one NEP-297 event log line.
type EventLog struct {
	Standard string          `json:"standard"`
	Version  string          `json:"version"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Items decodes Data into out, which must be a pointer to a slice. A
// single object is accepted as a one element list.
func (e *EventLog) Items(out interface{}) error {
	data := bytes.TrimSpace(e.Data)
	if len(data) > 0 && data[0] == '{' {
		data = append(append([]byte{'['}, data...), ']')
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("event %s data: %w", e.Event, err)
	}
	return nil
}

// ParseEventLogs picks the EVENT_JSON lines out of receipt logs. Lines that
// are not events are skipped; malformed events are returned as errors.
func ParseEventLogs(logs []string) ([]*EventLog, error) {
	var out []*EventLog
	for _, line := range logs {
		if !strings.HasPrefix(line, eventLogPrefix) {
			continue
		}
		ev := &EventLog{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, eventLogPrefix)), ev); err != nil {
			return nil, fmt.Errorf("malformed event log %q: %w", line, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

type MintDepositData struct {
	Address    string `json:"address"`
	BtcTxnHash string `json:"btc_txn_hash"`
	Amount     string `json:"amount"`
}

type BurnRedeemData struct {
	Address    string `json:"address"`
	BtcAddress string `json:"btc_address"`
	Amount     string `json:"amount"`
}

type MintBridgeData struct {
	Address       string `json:"address"`
	OriginChainID string `json:"origin_chain_id"`
	OriginTxnHash string `json:"origin_txn_hash"`
	Amount        string `json:"amount"`
}

type BurnBridgeData struct {
	Address     string `json:"address"`
	DestChainID string `json:"dest_chain_id"`
	DestAddress string `json:"dest_address"`
	Amount      string `json:"amount"`
}
