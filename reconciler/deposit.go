package reconciler

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/btcman/assembler"
	"github.com/TEENet-io/atlas-bridge/btcman/envelope"
	"github.com/TEENet-io/atlas-bridge/btcman/utils"
	"github.com/TEENet-io/atlas-bridge/btcman/utxo"
	"github.com/TEENet-io/atlas-bridge/state"
)

var ErrNotRefundable = errors.New("deposit cannot be refunded")

func (e *Engine) confirmDeposit(ctx context.Context, d *state.Deposit) error {
	ok, err := e.btcConfirmed(ctx, d.Key)
	if err != nil || !ok {
		return err
	}
	return e.st.Advance(state.KindDeposit, d.Key, state.DepositPendingMempool, state.DepositDepositedIntoAtlas, nil)
}

// verifyDeposit re-reads the deposit transaction and checks it against the
// record before counting one more validator approval.
func (e *Engine) verifyDeposit(ctx context.Context, d *state.Deposit) error {
	info, err := e.btc.GetTransaction(ctx, d.Key)
	if err != nil {
		return err
	}

	paid, _ := utils.PaymentTo(info.Tx, e.atlasScript)
	if paid != d.BtcAmount {
		return fmt.Errorf("deposit pays %d sat to atlas, record says %d", paid, d.BtcAmount)
	}
	payload, err := envelope.FindOpReturn(info.Tx)
	if err != nil {
		return err
	}
	env, err := envelope.DecodeDeposit(payload)
	if err != nil {
		return err
	}
	if env.ChainID != d.ReceivingChainID || env.Address != d.ReceivingAddress {
		return fmt.Errorf("deposit routes to %s/%s, record says %s/%s",
			env.ChainID, env.Address, d.ReceivingChainID, d.ReceivingAddress)
	}
	if env.TotalFee() != d.FeeAmount {
		return fmt.Errorf("deposit fee %d, record says %d", env.TotalFee(), d.FeeAmount)
	}

	return e.st.IncrementVerified(state.KindDeposit, d.Key, "verified_count", state.DepositDepositedIntoAtlas)
}

// stake moves the net amount into the yield provider and the protocol fee
// to the treasury.
func (e *Engine) stake(ctx context.Context, d *state.Deposit) error {
	if e.provider == nil {
		return e.st.Advance(state.KindDeposit, d.Key, state.DepositDepositedIntoAtlas, state.DepositYieldProviderDeposited, nil)
	}

	addr, err := e.provider.DepositAddress(ctx)
	if err != nil {
		return err
	}
	req := &assembler.PayloadRequest{
		Outputs:         []assembler.Output{{Address: addr, Amount: d.NetAmount()}},
		TreasuryAddress: e.cfg.Fees.TreasuryAddress,
		TreasuryAmount:  d.ProtocolFee,
		Order:           utxo.Descending,
	}
	_, err = e.spend(ctx, req, state.DepositPendingYieldProviderDeposit, func(txid string) error {
		return e.st.AdvanceGuarded(state.KindDeposit, d.Key,
			state.DepositDepositedIntoAtlas, state.DepositPendingYieldProviderDeposit,
			state.Fields{"yield_provider_txn_hash": txid},
			&state.Guard{EmptyColumns: []string{"yield_provider_txn_hash"}, NoRemarks: true})
	})
	return err
}

func (e *Engine) confirmStake(ctx context.Context, d *state.Deposit) error {
	ok, err := e.btcConfirmed(ctx, d.YieldProviderTxnHash)
	if err != nil || !ok {
		return err
	}
	return e.st.Advance(state.KindDeposit, d.Key,
		state.DepositPendingYieldProviderDeposit, state.DepositYieldProviderDeposited, nil)
}

// mint claims the record and has the receiving chain's worker send the
// mint. The mint hash is written when the mint event is ingested.
func (e *Engine) mint(ctx context.Context, d *state.Deposit) error {
	w, err := e.worker(d.ReceivingChainID)
	if err != nil {
		return err
	}
	c := &claim{fn: func() error {
		return e.st.AdvanceGuarded(state.KindDeposit, d.Key,
			state.DepositYieldProviderDeposited, state.DepositPendingMintedIntoAbtc, nil,
			&state.Guard{EmptyColumns: []string{"minted_txn_hash"}, NoRemarks: true})
	}}
	return c.result(state.DepositPendingMintedIntoAbtc, w.MintDeposit(ctx, d, c.run))
}

func (e *Engine) verifyMint(ctx context.Context, d *state.Deposit) error {
	w, err := e.worker(d.ReceivingChainID)
	if err != nil {
		return err
	}
	s, err := w.TxState(ctx, d.MintedTxnHash, "")
	if err != nil {
		return err
	}
	switch s {
	case TxSucceeded:
		return e.st.IncrementVerified(state.KindDeposit, d.Key, "minted_txn_hash_verified_count", state.DepositMintedIntoAbtc)
	case TxFailed:
		return fmt.Errorf("mint transaction %s failed", d.MintedTxnHash)
	}
	return nil
}

func (e *Engine) confirmRefund(ctx context.Context, d *state.Deposit) error {
	ok, err := e.btcConfirmed(ctx, d.RefundTxnHash)
	if err != nil || !ok {
		return err
	}
	return e.st.Advance(state.KindDeposit, d.Key, state.DepositRefunding, state.DepositRefunded, nil)
}

// Refund pays a deposit that never reached the yield provider back to its
// sender and returns the refund txid. The network fee comes out of the
// custody change.
func (e *Engine) Refund(ctx context.Context, btcTxnHash string) (string, error) {
	d, err := e.st.GetDeposit(btcTxnHash)
	if err != nil {
		return "", err
	}
	if d.Status != state.DepositPendingMempool && d.Status != state.DepositDepositedIntoAtlas {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRefundable, d.Key, state.StatusName(state.KindDeposit, d.Status))
	}
	if d.BtcSender == "" {
		return "", fmt.Errorf("%w: %s has no known sender", ErrNotRefundable, d.Key)
	}

	req := &assembler.PayloadRequest{
		Outputs: []assembler.Output{{Address: d.BtcSender, Amount: d.BtcAmount}},
		Order:   utxo.Descending,
	}
	txid, err := e.spend(ctx, req, state.DepositRefunding, func(txid string) error {
		return e.st.AdvanceGuarded(state.KindDeposit, d.Key, d.Status, state.DepositRefunding,
			state.Fields{"refund_txn_hash": txid},
			&state.Guard{EmptyColumns: []string{"refund_txn_hash"}})
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			e.park(state.KindDeposit, d.Key, ActionConfirmRefund, se.status, err)
		}
		return txid, err
	}
	logger.WithFields(logger.Fields{"deposit": d.Key, "refund": txid, "amount": d.BtcAmount}).Info("deposit refunded")
	return txid, nil
}
