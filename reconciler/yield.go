package reconciler

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/btcman/assembler"
	"github.com/TEENet-io/atlas-bridge/state"
	"github.com/TEENet-io/atlas-bridge/yieldprovider"
)

// yieldStages maps the shared unstake/withdraw pipeline onto the status
// enum of one kind.
type yieldStages struct {
	pendingUnstake  state.Status
	processing      state.Status
	unstaked        state.Status
	pendingWithdraw state.Status
	withdrawing     state.Status
	withdrawn       state.Status
}

var yieldStatuses = map[state.Kind]yieldStages{
	state.KindRedemption: {
		pendingUnstake:  state.RedemptionPendingYieldProviderUnstake,
		processing:      state.RedemptionYieldProviderUnstakeProcessing,
		unstaked:        state.RedemptionYieldProviderUnstaked,
		pendingWithdraw: state.RedemptionPendingYieldProviderWithdraw,
		withdrawing:     state.RedemptionYieldProviderWithdrawing,
		withdrawn:       state.RedemptionYieldProviderWithdrawn,
	},
	state.KindBridging: {
		pendingUnstake:  state.BridgingPendingYieldProviderUnstake,
		processing:      state.BridgingYieldProviderUnstakeProcessing,
		unstaked:        state.BridgingYieldProviderUnstaked,
		pendingWithdraw: state.BridgingPendingYieldProviderWithdraw,
		withdrawing:     state.BridgingYieldProviderWithdrawing,
		withdrawn:       state.BridgingYieldProviderWithdrawn,
	},
}

// yieldFields are the pipeline columns of a redemption or bridging.
type yieldFields struct {
	requestID string
	txnHash   string
	// unstaked from the venue
	unstake int64
	// released by the withdrawal, after the venue's gas
	withdraw int64
}

func yieldView(rec state.Record) yieldFields {
	switch r := rec.(type) {
	case *state.Redemption:
		return yieldFields{
			requestID: r.UnstakeRequestID,
			txnHash:   r.YieldProviderTxnHash,
			unstake:   r.AbtcAmount,
			withdraw:  r.AbtcAmount - r.YieldProviderGasFee,
		}
	case *state.Bridging:
		return yieldFields{
			requestID: r.UnstakeRequestID,
			txnHash:   r.YieldProviderTxnHash,
			unstake:   r.WithdrawableFee(),
			withdraw:  r.WithdrawableFee(),
		}
	}
	return yieldFields{}
}

// unstake asks the venue for a release message, signs it with the custody
// key, records the request id and then submits the signature.
func (e *Engine) unstake(ctx context.Context, rec state.Record) error {
	kind, t := rec.Kind(), rec.Base()
	s := yieldStatuses[kind]
	y := yieldView(rec)

	msg, err := e.provider.UnstakeMessage(ctx, &yieldprovider.UnstakeRequest{Amount: y.unstake, Reference: t.Key})
	if err != nil {
		return err
	}
	sig, err := e.btcSigner.SignMessage(ctx, msg.Message)
	if err != nil {
		return err
	}

	err = e.st.AdvanceGuarded(kind, t.Key, s.pendingUnstake, s.processing,
		state.Fields{"unstake_request_id": msg.RequestID},
		&state.Guard{EmptyColumns: []string{"unstake_request_id"}, NoRemarks: true})
	if err != nil {
		return err
	}
	if err := e.provider.SubmitUnstake(ctx, msg.RequestID, sig); err != nil {
		return atStatus(s.processing, err)
	}
	logger.WithFields(logger.Fields{"kind": kind.String(), "key": t.Key, "request": msg.RequestID}).Info("unstake submitted")
	return nil
}

func (e *Engine) checkUnstake(ctx context.Context, rec state.Record) error {
	kind, t := rec.Kind(), rec.Base()
	s := yieldStatuses[kind]
	y := yieldView(rec)

	status, err := e.provider.UnstakeStatus(ctx, y.requestID)
	if err != nil {
		return err
	}
	switch status {
	case yieldprovider.UnstakeDone:
		return e.st.Advance(kind, t.Key, s.processing, s.unstaked, nil)
	case yieldprovider.UnstakeFailed:
		return fmt.Errorf("unstake request %s failed", y.requestID)
	}
	return nil
}

func (e *Engine) queueWithdraw(_ context.Context, rec state.Record) error {
	s := yieldStatuses[rec.Kind()]
	return e.st.Advance(rec.Kind(), rec.Base().Key, s.unstaked, s.pendingWithdraw, nil)
}

func (e *Engine) confirmWithdraw(ctx context.Context, rec state.Record) error {
	kind, t := rec.Kind(), rec.Base()
	s := yieldStatuses[kind]
	ok, err := e.btcConfirmed(ctx, yieldView(rec).txnHash)
	if err != nil || !ok {
		return err
	}
	return e.st.Advance(kind, t.Key, s.withdrawing, s.withdrawn, nil)
}

// withdrawTarget is where the released funds of kind go: redemptions back
// to custody for the payout, bridging fees to the treasury.
func (e *Engine) withdrawTarget(kind state.Kind) string {
	if kind == state.KindBridging {
		return e.cfg.Fees.TreasuryAddress
	}
	return e.cfg.Bitcoin.AtlasAddress
}

// ErrBatchConflict means a stored withdrawal pays for a record that some
// other round has claimed.
var ErrBatchConflict = errors.New("withdrawal batch member claimed elsewhere")

// batchError carries the members of the withdrawal batch that failed.
type batchError struct {
	records []yieldprovider.BatchRecord
	err     error
}

func (e *batchError) Error() string { return e.err.Error() }
func (e *batchError) Unwrap() error { return e.err }

// withdraw bundles every candidate into one withdrawal. The signed batch
// is written to the scratch store before any record points at it, so a
// crash in between resumes with the same transaction.
func (e *Engine) withdraw(ctx context.Context, kind state.Kind, candidates []state.Record) error {
	e.withdrawMu.Lock()
	defer e.withdrawMu.Unlock()

	batch, err := e.batches.Load()
	if err != nil {
		return err
	}
	if batch == nil {
		if len(candidates) == 0 {
			return nil
		}
		if batch, err = e.buildBatch(ctx, kind, candidates); err != nil || batch == nil {
			return err
		}
	}
	if len(batch.Records) == 0 {
		return e.batches.Clear()
	}
	return e.sendBatch(ctx, batch)
}

// withdrawQueued re-reads rec. Records claimed or paused since the fetch
// stay out of the batch.
func (e *Engine) withdrawQueued(kind state.Kind, rec state.Record) (bool, error) {
	cur, err := e.st.Get(kind, rec.Base().Key)
	if err != nil {
		return false, err
	}
	t := cur.Base()
	return t.Status == yieldStatuses[kind].pendingWithdraw && !t.Paused() && yieldView(cur).txnHash == "", nil
}

func (e *Engine) buildBatch(ctx context.Context, kind state.Kind, candidates []state.Record) (*yieldprovider.Batch, error) {
	batch := &yieldprovider.Batch{}
	for _, rec := range candidates {
		ok, err := e.withdrawQueued(kind, rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.WithFields(logger.Fields{"kind": kind.String(), "key": rec.Base().Key}).Debug("record left the withdrawal queue")
			continue
		}
		batch.Records = append(batch.Records, yieldprovider.BatchRecord{Kind: kind, Key: rec.Base().Key})
		batch.Amount += yieldView(rec).withdraw
	}
	if len(batch.Records) == 0 {
		return nil, nil
	}
	failed := func(err error) error { return &batchError{records: batch.Records, err: err} }
	if batch.Amount <= 0 {
		return nil, failed(fmt.Errorf("withdrawal of %d sat", batch.Amount))
	}

	packet, err := e.provider.WithdrawalPsbt(ctx, []assembler.Output{{Address: e.withdrawTarget(kind), Amount: batch.Amount}})
	if err != nil {
		return nil, failed(err)
	}
	signed, err := e.btcSigner.SignPsbt(ctx, packet)
	if err != nil {
		return nil, failed(err)
	}
	var buf bytes.Buffer
	if err := signed.Serialize(&buf); err != nil {
		return nil, failed(err)
	}
	batch.TxHash = signed.TxHash().String()
	batch.RawTx = buf.Bytes()
	batch.ReadyToSend = true
	if err := e.batches.Save(batch); err != nil {
		return nil, err
	}
	logger.WithFields(logger.Fields{
		"kind":    kind.String(),
		"tx":      batch.TxHash,
		"records": len(batch.Records),
		"amount":  batch.Amount,
	}).Info("withdrawal batch signed")
	return batch, nil
}

// claimedBy reports whether the record already points at txHash, as it
// does when a stored batch is resumed.
func (e *Engine) claimedBy(br yieldprovider.BatchRecord, txHash string) (bool, error) {
	cur, err := e.st.Get(br.Kind, br.Key)
	if err != nil {
		return false, err
	}
	return yieldView(cur).txnHash == txHash, nil
}

func (e *Engine) sendBatch(ctx context.Context, batch *yieldprovider.Batch) error {
	var tx *wire.MsgTx
	if batch.ReadyToSend {
		tx = wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(batch.RawTx)); err != nil {
			if cerr := e.batches.Clear(); cerr != nil {
				return cerr
			}
			return &batchError{records: batch.Records, err: fmt.Errorf("stored withdrawal %s: %w", batch.TxHash, err)}
		}
	}

	// 1. point every bundled record at the withdrawal
	var claimed []yieldprovider.BatchRecord
	for _, br := range batch.Records {
		s := yieldStatuses[br.Kind]
		err := e.st.AdvanceGuarded(br.Kind, br.Key, s.pendingWithdraw, s.withdrawing,
			state.Fields{"yield_provider_txn_hash": batch.TxHash},
			&state.Guard{EmptyColumns: []string{"yield_provider_txn_hash"}, NoRemarks: true})
		if errors.Is(err, state.ErrConflict) {
			var ours bool
			if ours, err = e.claimedBy(br, batch.TxHash); err == nil && !ours {
				err = fmt.Errorf("%w: %s %s, batch %s", ErrBatchConflict, br.Kind, br.Key, batch.TxHash)
			}
		}
		if errors.Is(err, ErrBatchConflict) {
			// never broadcast a withdrawal that pays for someone else's record
			e.parkBatch(claimed, err)
			logger.WithField("tx", batch.TxHash).Error("withdrawal batch dropped")
			return e.batches.Clear()
		}
		if err != nil {
			return err
		}
		claimed = append(claimed, br)
	}

	// 2. broadcast
	if err := e.st.SetKeyedValue(withdrawalMarker(batch.TxHash), batch.Records[0].Kind.String()); err != nil {
		return err
	}
	if tx != nil {
		if _, err := e.btc.Broadcast(ctx, tx); err != nil {
			// a resumed batch may already be out
			if _, gerr := e.btc.GetTransaction(ctx, batch.TxHash); gerr != nil {
				e.parkBatch(batch.Records, err)
			}
		}
	}

	// 3. the records carry the hash now
	return e.batches.Clear()
}

func (e *Engine) parkBatch(records []yieldprovider.BatchRecord, err error) {
	for _, br := range records {
		s := yieldStatuses[br.Kind]
		e.park(br.Kind, br.Key, ActionWithdraw, s.withdrawing, err)
	}
}
