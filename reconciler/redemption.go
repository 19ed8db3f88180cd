package reconciler

import (
	"context"
	"fmt"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/btcman/assembler"
	"github.com/TEENet-io/atlas-bridge/btcman/envelope"
	"github.com/TEENet-io/atlas-bridge/btcman/utxo"
	"github.com/TEENet-io/atlas-bridge/state"
)

// verifyBurn checks the burn behind a redemption or bridging on its
// origin chain and counts one more validator approval.
func (e *Engine) verifyBurn(ctx context.Context, rec state.Record) error {
	var chainID, sender string
	var status state.Status
	switch r := rec.(type) {
	case *state.Redemption:
		chainID, sender, status = r.AbtcRedemptionChainID, r.AbtcRedemptionAddress, state.RedemptionAbtcBurnt
	case *state.Bridging:
		chainID, sender, status = r.OriginChainID, r.OriginChainAddress, state.BridgingAbtcPendingBurnt
	default:
		return fmt.Errorf("no burn behind %s", rec.Kind())
	}

	_, txHash, err := agreement.SplitCorrelationKey(rec.Base().Key)
	if err != nil {
		return err
	}
	w, err := e.worker(chainID)
	if err != nil {
		return err
	}
	s, err := w.TxState(ctx, txHash, sender)
	if err != nil {
		return err
	}
	switch s {
	case TxSucceeded:
		return e.st.IncrementVerified(rec.Kind(), rec.Base().Key, "verified_count", status)
	case TxFailed:
		return fmt.Errorf("burn transaction %s failed on %s", txHash, chainID)
	}
	return nil
}

func (e *Engine) queueRedemption(_ context.Context, r *state.Redemption) error {
	to := state.RedemptionPendingYieldProviderUnstake
	if e.provider == nil {
		to = state.RedemptionPendingRedemptionFromAtlasToUser
	}
	return e.st.Advance(state.KindRedemption, r.Key, state.RedemptionAbtcBurnt, to, nil)
}

// sendBack pays the redeemed BTC to the user. The OP_RETURN output names
// the redemption so the payout can be traced back to it.
func (e *Engine) sendBack(ctx context.Context, r *state.Redemption) error {
	amount := r.PayoutAmount()
	if amount <= 0 {
		return fmt.Errorf("redemption of %d sat leaves %d after fees", r.AbtcAmount, amount)
	}
	req := &assembler.PayloadRequest{
		Outputs:         []assembler.Output{{Address: r.BtcReceivingAddress, Amount: amount}},
		Envelope:        envelope.EncodeRedemption(r.Key),
		TreasuryAddress: e.cfg.Fees.TreasuryAddress,
		TreasuryAmount:  r.ProtocolFee,
		Order:           utxo.Descending,
	}
	from := r.Status
	_, err := e.spend(ctx, req, state.RedemptionPendingMempoolConfirmation, func(txid string) error {
		return e.st.AdvanceGuarded(state.KindRedemption, r.Key, from, state.RedemptionPendingMempoolConfirmation,
			state.Fields{"btc_txn_hash": txid},
			&state.Guard{EmptyColumns: []string{"btc_txn_hash"}, NoRemarks: true})
	})
	return err
}

func (e *Engine) confirmSendBack(ctx context.Context, r *state.Redemption) error {
	ok, err := e.btcConfirmed(ctx, r.BtcTxnHash)
	if err != nil || !ok {
		return err
	}
	return e.st.Advance(state.KindRedemption, r.Key,
		state.RedemptionPendingMempoolConfirmation, state.RedemptionRedeemedBackToUser, nil)
}
