// Package ingest turns contract events of the destination chains into
// ledger transitions.
package ingest

import (
	"fmt"
)

// EventMeta locates an event on its chain.
type EventMeta struct {
	ChainID     string
	TxHash      string
	BlockNumber uint64
	// position among the events of the same transaction
	Seq int
}

// ProcessedKey is the idempotency key of the event. The first event of a
// transaction is keyed by the bare hash.
func (m *EventMeta) ProcessedKey() string {
	if m.Seq == 0 {
		return m.TxHash
	}
	return fmt.Sprintf("%s#%d", m.TxHash, m.Seq)
}

// Event is one of MintDeposit, BurnRedeem, MintBridge and BurnBridge.
type Event interface {
	Meta() *EventMeta
	Name() string
	sealed()
}

// MintDeposit: aBTC was minted for a BTC deposit.
type MintDeposit struct {
	EventMeta
	BtcTxnHash string
	Recipient  string
	Amount     int64
}

// BurnRedeem: aBTC was burnt to be paid out on BTC.
type BurnRedeem struct {
	EventMeta
	Wallet     string
	BtcAddress string
	Amount     int64
}

// MintBridge: aBTC was minted on this chain for a burn on another one.
type MintBridge struct {
	EventMeta
	OriginChainID string
	OriginTxnHash string
	Recipient     string
	Amount        int64
}

// BurnBridge: aBTC was burnt to be minted on another chain.
type BurnBridge struct {
	EventMeta
	Wallet      string
	Amount      int64
	DestChainID string
	DestAddress string
}

func (e *MintDeposit) Meta() *EventMeta { return &e.EventMeta }
func (e *BurnRedeem) Meta() *EventMeta  { return &e.EventMeta }
func (e *MintBridge) Meta() *EventMeta  { return &e.EventMeta }
func (e *BurnBridge) Meta() *EventMeta  { return &e.EventMeta }

func (e *MintDeposit) Name() string { return "MintDeposit" }
func (e *BurnRedeem) Name() string  { return "BurnRedeem" }
func (e *MintBridge) Name() string  { return "MintBridge" }
func (e *BurnBridge) Name() string  { return "BurnBridge" }

func (*MintDeposit) sealed() {}
func (*BurnRedeem) sealed()  {}
func (*MintBridge) sealed()  {}
func (*BurnBridge) sealed()  {}

// assignSeq numbers events sharing a transaction in the order given.
func assignSeq(events []Event) {
	seen := make(map[string]int)
	for _, ev := range events {
		m := ev.Meta()
		m.Seq = seen[m.TxHash]
		seen[m.TxHash]++
	}
}
