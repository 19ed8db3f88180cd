package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/common"
	"github.com/TEENet-io/atlas-bridge/config"
	"github.com/TEENet-io/atlas-bridge/metrics"
	"github.com/TEENet-io/atlas-bridge/state"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Outcome says what Apply did with an event.
type Outcome int

const (
	// the ledger changed
	Applied Outcome = iota
	// the event was processed before
	Duplicate
	// marked processed without a ledger change; an incident was recorded
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Ignored:
		return "ignored"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Processor applies decoded chain events to the ledger, each at most once.
type Processor struct {
	st        *state.StateDB
	cfg       *config.Config
	params    *chaincfg.Params
	incidents agreement.IncidentRecorder
	now       func() time.Time
}

func NewProcessor(st *state.StateDB, cfg *config.Config, params *chaincfg.Params, incidents agreement.IncidentRecorder) *Processor {
	if incidents == nil {
		incidents = agreement.NopIncidentRecorder{}
	}
	return &Processor{st: st, cfg: cfg, params: params, incidents: incidents, now: time.Now}
}

// Apply records ev in the ledger. Events whose (chain id, tx hash) was
// already processed are skipped before any other check. An error means
// nothing was written and the event must be retried.
func (p *Processor) Apply(ev Event) (Outcome, error) {
	m := ev.Meta()
	done, err := p.st.IsProcessed(m.ChainID, m.ProcessedKey())
	if err != nil {
		return 0, err
	}
	if done {
		metrics.EventsIgnored.WithLabelValues(m.ChainID, ev.Name(), "duplicate").Inc()
		return Duplicate, nil
	}

	var (
		outcome Outcome
		anomaly error
		key     string
	)
	switch e := ev.(type) {
	case *MintDeposit:
		key = common.Trim0xPrefix(e.BtcTxnHash)
		outcome, anomaly, err = p.applyMintDeposit(e, key)
	case *MintBridge:
		key = agreement.CorrelationKey(e.OriginChainID, e.OriginTxnHash)
		outcome, anomaly, err = p.applyMintBridge(e, key)
	case *BurnRedeem:
		key = agreement.CorrelationKey(m.ChainID, m.TxHash)
		outcome, anomaly, err = p.applyBurnRedeem(e, key)
	case *BurnBridge:
		key = agreement.CorrelationKey(m.ChainID, m.TxHash)
		outcome, anomaly, err = p.applyBurnBridge(e, key)
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	if err != nil {
		metrics.EventsFailed.WithLabelValues(m.ChainID, ev.Name()).Inc()
		return 0, err
	}

	fields := logger.Fields{
		"chain":   m.ChainID,
		"tx":      m.TxHash,
		"event":   ev.Name(),
		"key":     key,
		"outcome": outcome.String(),
	}
	switch outcome {
	case Applied:
		metrics.EventsApplied.WithLabelValues(m.ChainID, ev.Name()).Inc()
		logger.WithFields(fields).Info("event applied")
	case Duplicate:
		metrics.EventsIgnored.WithLabelValues(m.ChainID, ev.Name(), "duplicate").Inc()
		logger.WithFields(fields).Debug("event already processed")
	case Ignored:
		metrics.EventsIgnored.WithLabelValues(m.ChainID, ev.Name(), "anomaly").Inc()
		logger.WithFields(fields).Warn(anomaly)
		p.incidents.Record(&agreement.Incident{
			Component: "ingest",
			Action:    ev.Name(),
			Kind:      kindOf(ev).String(),
			Key:       key,
			TxHashes:  []string{m.TxHash},
			Err:       anomaly,
		})
	}
	return outcome, nil
}

func kindOf(ev Event) state.Kind {
	switch ev.(type) {
	case *MintDeposit:
		return state.KindDeposit
	case *BurnRedeem:
		return state.KindRedemption
	}
	return state.KindBridging
}

// result maps the outcome of WithProcessed: not run means the event was
// processed concurrently.
func result(ran bool, anomaly error, err error) (Outcome, error, error) {
	if err != nil {
		return 0, nil, err
	}
	if !ran {
		return Duplicate, nil, nil
	}
	if anomaly != nil {
		return Ignored, anomaly, nil
	}
	return Applied, nil, nil
}

// A mint only completes a deposit that is exactly at the pre-mint status
// and has no minted hash yet.
func (p *Processor) applyMintDeposit(e *MintDeposit, key string) (Outcome, error, error) {
	var anomaly error
	ran, err := p.st.WithProcessed(e.ChainID, e.ProcessedKey(), func(tx *state.LedgerTx) error {
		rec, err := tx.Get(state.KindDeposit, key)
		if errors.Is(err, state.ErrNotFound) {
			anomaly = fmt.Errorf("mint for unknown deposit %s", key)
			return nil
		}
		if err != nil {
			return err
		}
		d := rec.(*state.Deposit)
		if d.ReceivingChainID != e.ChainID || !strings.EqualFold(d.ReceivingAddress, e.Recipient) {
			anomaly = fmt.Errorf("mint to %s on %s does not match deposit route %s on %s",
				e.Recipient, e.ChainID, d.ReceivingAddress, d.ReceivingChainID)
			return nil
		}
		if d.Status != state.DepositPendingMintedIntoAbtc {
			anomaly = fmt.Errorf("mint for deposit at %s", state.StatusName(state.KindDeposit, d.Status))
			return nil
		}
		if d.Paused() {
			anomaly = fmt.Errorf("mint for paused deposit (remarks=%q)", d.Remarks)
			return nil
		}
		err = tx.Advance(state.KindDeposit, key, state.DepositPendingMintedIntoAbtc, state.DepositMintedIntoAbtc,
			state.Fields{"minted_txn_hash": e.TxHash},
			&state.Guard{EmptyColumns: []string{"minted_txn_hash"}, NoRemarks: true})
		if errors.Is(err, state.ErrConflict) {
			anomaly = err
			return nil
		}
		return err
	})
	return result(ran, anomaly, err)
}

func (p *Processor) applyMintBridge(e *MintBridge, key string) (Outcome, error, error) {
	var anomaly error
	ran, err := p.st.WithProcessed(e.ChainID, e.ProcessedKey(), func(tx *state.LedgerTx) error {
		rec, err := tx.Get(state.KindBridging, key)
		if errors.Is(err, state.ErrNotFound) {
			anomaly = fmt.Errorf("bridge mint for unknown burn %s", key)
			return nil
		}
		if err != nil {
			return err
		}
		b := rec.(*state.Bridging)
		if b.DestChainID != e.ChainID || !strings.EqualFold(b.DestChainAddress, e.Recipient) {
			anomaly = fmt.Errorf("bridge mint to %s on %s does not match route %s on %s",
				e.Recipient, e.ChainID, b.DestChainAddress, b.DestChainID)
			return nil
		}
		if b.Status != state.BridgingPendingBridgeFromOriginToDest {
			anomaly = fmt.Errorf("bridge mint for bridging at %s", state.StatusName(state.KindBridging, b.Status))
			return nil
		}
		if b.Paused() {
			anomaly = fmt.Errorf("bridge mint for paused bridging (remarks=%q)", b.Remarks)
			return nil
		}
		err = tx.Advance(state.KindBridging, key, state.BridgingPendingBridgeFromOriginToDest, state.BridgingAbtcMintedToDest,
			state.Fields{"dest_txn_hash": e.TxHash},
			&state.Guard{EmptyColumns: []string{"dest_txn_hash"}, NoRemarks: true})
		if errors.Is(err, state.ErrConflict) {
			anomaly = err
			return nil
		}
		return err
	})
	return result(ran, anomaly, err)
}

func bps(amount, bps int64) int64 {
	return amount * bps / 10_000
}

func (p *Processor) pause(t *state.Transfer, remarks string) {
	if t.Remarks == "" {
		t.Remarks = remarks
		t.RemarksAt = p.now()
	}
}

// A burn creates its record, or fills in the addresses of a record that is
// still waiting for the burn.
func (p *Processor) applyBurnRedeem(e *BurnRedeem, key string) (Outcome, error, error) {
	if e.Amount <= 0 {
		return Ignored, fmt.Errorf("burn of non-positive amount %d", e.Amount), p.markProcessed(e.Meta())
	}
	rec := &state.Redemption{
		Transfer: state.Transfer{
			Key:         key,
			Status:      state.RedemptionAbtcBurnt,
			ProtocolFee: bps(e.Amount, p.cfg.Fees.RedemptionFeeBps),
		},
		AbtcRedemptionChainID: e.ChainID,
		AbtcRedemptionAddress: e.Wallet,
		BtcReceivingAddress:   e.BtcAddress,
		AbtcAmount:            e.Amount,
	}
	if p.cfg.YieldProvider.Enabled {
		rec.YieldProviderGasFee = p.cfg.Fees.YieldProviderGasFeeSat
	}
	if !common.IsValidBtcAddress(e.BtcAddress, p.params) {
		p.pause(&rec.Transfer, fmt.Sprintf("invalid btc receiving address %q", e.BtcAddress))
	}
	if rec.PayoutAmount() <= 0 {
		p.pause(&rec.Transfer, fmt.Sprintf("amount %d does not cover fees", e.Amount))
	}

	ran, err := p.st.WithProcessed(e.ChainID, e.ProcessedKey(), func(tx *state.LedgerTx) error {
		existing, err := tx.Get(state.KindRedemption, key)
		if errors.Is(err, state.ErrNotFound) {
			_, err = tx.InsertIfAbsent(rec)
			return err
		}
		if err != nil || existing.Base().Status != state.RedemptionAbtcBurnt {
			return err
		}
		return tx.Advance(state.KindRedemption, key, state.RedemptionAbtcBurnt, state.RedemptionAbtcBurnt, state.Fields{
			"abtc_redemption_address": e.Wallet,
			"btc_receiving_address":   e.BtcAddress,
		}, nil)
	})
	return result(ran, nil, err)
}

func (p *Processor) applyBurnBridge(e *BurnBridge, key string) (Outcome, error, error) {
	if e.Amount <= 0 {
		return Ignored, fmt.Errorf("burn of non-positive amount %d", e.Amount), p.markProcessed(e.Meta())
	}
	rec := &state.Bridging{
		Transfer: state.Transfer{
			Key:        key,
			Status:     state.BridgingAbtcPendingBurnt,
			MintingFee: p.cfg.Fees.BridgeMintingFeeSat,
		},
		OriginChainID:      e.ChainID,
		OriginChainAddress: e.Wallet,
		DestChainID:        e.DestChainID,
		DestChainAddress:   e.DestAddress,
		AbtcAmount:         e.Amount,
		BridgingFee:        bps(e.Amount, p.cfg.Fees.BridgingFeeBps),
	}
	if _, ok := p.cfg.Chain(e.DestChainID); !ok || e.DestChainID == e.ChainID {
		p.pause(&rec.Transfer, fmt.Sprintf("unsupported destination chain %q", e.DestChainID))
	}
	if rec.MintAmount() <= 0 {
		p.pause(&rec.Transfer, fmt.Sprintf("amount %d does not cover fees", e.Amount))
	}

	ran, err := p.st.WithProcessed(e.ChainID, e.ProcessedKey(), func(tx *state.LedgerTx) error {
		existing, err := tx.Get(state.KindBridging, key)
		if errors.Is(err, state.ErrNotFound) {
			_, err = tx.InsertIfAbsent(rec)
			return err
		}
		if err != nil || existing.Base().Status != state.BridgingAbtcPendingBurnt {
			return err
		}
		return tx.Advance(state.KindBridging, key, state.BridgingAbtcPendingBurnt, state.BridgingAbtcPendingBurnt, state.Fields{
			"origin_chain_address": e.Wallet,
			"dest_chain_address":   e.DestAddress,
		}, nil)
	})
	return result(ran, nil, err)
}

func (p *Processor) markProcessed(m *EventMeta) error {
	_, err := p.st.MarkProcessed(m.ChainID, m.ProcessedKey())
	return err
}
