package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/btcman/envelope"
	"github.com/TEENet-io/atlas-bridge/btcman/rpc"
	"github.com/TEENet-io/atlas-bridge/btcman/utils"
	"github.com/TEENet-io/atlas-bridge/common"
	"github.com/TEENet-io/atlas-bridge/config"
	"github.com/TEENet-io/atlas-bridge/metrics"
	"github.com/TEENet-io/atlas-bridge/state"
)

const btcScanCursor = "btcscan"

// withdrawalMarker is the keyed value naming a yield provider withdrawal,
// so its payment to custody is not taken for a deposit.
func withdrawalMarker(txid string) string {
	return "withdrawal/" + txid
}

// DepositScanner walks Bitcoin blocks and the mempool for payments to the
// custody address and records them as deposits.
type DepositScanner struct {
	cfg       *config.Config
	params    *chaincfg.Params
	st        *state.StateDB
	btc       rpc.Client
	incidents agreement.IncidentRecorder

	atlasScript []byte
	atlasPkHash []byte

	now func() time.Time
}

func NewDepositScanner(cfg *config.Config, params *chaincfg.Params, st *state.StateDB, btc rpc.Client, incidents agreement.IncidentRecorder) (*DepositScanner, error) {
	script, err := common.PayToAddrScript(cfg.Bitcoin.AtlasAddress, params)
	if err != nil {
		return nil, fmt.Errorf("atlas address: %w", err)
	}
	addr, err := btcutil.DecodeAddress(cfg.Bitcoin.AtlasAddress, params)
	if err != nil {
		return nil, fmt.Errorf("atlas address: %w", err)
	}
	if incidents == nil {
		incidents = agreement.NopIncidentRecorder{}
	}
	return &DepositScanner{
		cfg:         cfg,
		params:      params,
		st:          st,
		btc:         btc,
		incidents:   incidents,
		atlasScript: script,
		atlasPkHash: addr.ScriptAddress(),
		now:         time.Now,
	}, nil
}

func (s *DepositScanner) Scan(ctx context.Context) error {
	logger.Debug("starting deposit scanner")
	defer logger.Debug("stopping deposit scanner")

	interval := s.cfg.Reconciler.BtcScanInterval
	if interval < MinTickerDuration {
		interval = MinTickerDuration
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.ScanOnce(ctx); err != nil {
				logger.Errorf("deposit scan failed: err=%v", err)
			}
		}
	}
}

// ScanOnce reads every block after the stored cursor up to the tip, then
// the mempool.
func (s *DepositScanner) ScanOnce(ctx context.Context) error {
	// 1. where to start
	start := s.cfg.Bitcoin.ScanStartHeight
	last, ok, err := s.st.GetCursor(btcScanCursor)
	if err != nil {
		return err
	}
	if ok {
		start = int64(last) + 1
	}
	tip, err := s.btc.GetBlockCount(ctx)
	if err != nil {
		return err
	}

	// 2. confirmed blocks
	for h := start; h <= tip; h++ {
		block, err := s.btc.GetBlockByHeight(ctx, h)
		if err != nil {
			return err
		}
		for _, tx := range block.Transactions {
			if err := s.inspect(ctx, tx); err != nil {
				return fmt.Errorf("block %d tx %s: %w", h, tx.TxHash(), err)
			}
		}
		if err := s.st.SetCursor(btcScanCursor, uint64(h)); err != nil {
			return err
		}
		metrics.SyncHeight.WithLabelValues(s.cfg.Bitcoin.ChainID).Set(float64(h))
	}

	// 3. mempool
	ids, err := s.btc.GetMempoolTxIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		info, err := s.btc.GetTransaction(ctx, id)
		if errors.Is(err, rpc.ErrTxNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.inspect(ctx, info.Tx); err != nil {
			return fmt.Errorf("mempool tx %s: %w", id, err)
		}
	}
	return nil
}

func (s *DepositScanner) inspect(ctx context.Context, tx *wire.MsgTx) error {
	txid := tx.TxHash().String()

	// custody spends: stakes, payouts, refunds
	if utils.SpendsFrom(tx, s.atlasPkHash) {
		s.checkPayout(tx, txid)
		return nil
	}

	paid, idx := utils.PaymentTo(tx, s.atlasScript)
	if idx < 0 {
		return nil
	}
	if _, known, err := s.st.GetKeyedValue(withdrawalMarker(txid)); err != nil || known {
		return err
	}
	if _, err := s.st.GetDeposit(txid); err == nil {
		return nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return err
	}

	sender, err := s.sender(ctx, tx)
	if err != nil {
		return err
	}
	d := &state.Deposit{
		Transfer:  state.Transfer{Key: txid, Status: state.DepositPendingMempool},
		BtcSender: sender,
		BtcAmount: paid,
	}
	if remarks := s.route(tx, d); remarks != "" {
		d.Remarks = remarks
		d.RemarksAt = s.now()
	}

	inserted, err := s.st.InsertIfAbsent(d)
	if err != nil || !inserted {
		return err
	}
	metrics.DepositsObserved.Inc()
	logger.WithFields(logger.Fields{
		"tx":      txid,
		"amount":  paid,
		"chain":   d.ReceivingChainID,
		"address": d.ReceivingAddress,
		"remarks": d.Remarks,
	}).Info("deposit observed")
	return nil
}

// route fills the routing and fee fields of d from the envelope and
// returns why the deposit cannot be processed, if it cannot.
func (s *DepositScanner) route(tx *wire.MsgTx, d *state.Deposit) string {
	payload, err := envelope.FindOpReturn(tx)
	if err != nil {
		return err.Error()
	}
	env, err := envelope.DecodeDeposit(payload)
	if err != nil {
		return err.Error()
	}
	d.ReceivingChainID = env.ChainID
	d.ReceivingAddress = env.Address
	d.FeeAmount = env.TotalFee()
	d.ProtocolFee = int64(env.ProtocolFee)
	d.MintingFee = int64(env.MintingFee)
	d.YieldProviderGasFee = int64(env.YieldProviderGasFee)

	if _, ok := s.cfg.Chain(env.ChainID); !ok {
		return fmt.Sprintf("receiving chain %q is not supported", env.ChainID)
	}
	if d.FeeAmount >= d.BtcAmount {
		return fmt.Sprintf("fees of %d sat exceed the deposit of %d sat", d.FeeAmount, d.BtcAmount)
	}
	return ""
}

// sender is the address that funded the first input, or empty when the
// node cannot tell.
func (s *DepositScanner) sender(ctx context.Context, tx *wire.MsgTx) (string, error) {
	if len(tx.TxIn) == 0 {
		return "", nil
	}
	prev := tx.TxIn[0].PreviousOutPoint
	info, err := s.btc.GetTransaction(ctx, prev.Hash.String())
	if err != nil {
		if agreement.IsTransient(err) {
			return "", err
		}
		logger.Warnf("no sender for deposit %s: err=%v", tx.TxHash(), err)
		return "", nil
	}
	if int(prev.Index) >= len(info.Tx.TxOut) {
		return "", nil
	}
	return common.ScriptAddress(info.Tx.TxOut[prev.Index].PkScript, s.params), nil
}

// checkPayout matches a custody spend carrying a redemption envelope
// against the payout the ledger expects.
func (s *DepositScanner) checkPayout(tx *wire.MsgTx, txid string) {
	payload, err := envelope.FindOpReturn(tx)
	if err != nil {
		return
	}
	key, _, txnHash, err := envelope.DecodeRedemption(payload)
	if err != nil {
		return
	}

	var problem error
	r, err := s.st.GetRedemption(key)
	switch {
	case errors.Is(err, state.ErrNotFound):
		problem = fmt.Errorf("payout %s names unknown redemption %s", txid, key)
	case err != nil:
		logger.Errorf("failed to load redemption %s: err=%v", key, err)
		return
	case r.BtcTxnHash != txid:
		problem = fmt.Errorf("payout %s for redemption %s, ledger has %q", txid, key, r.BtcTxnHash)
	default:
		return
	}

	logger.Warn(problem)
	s.incidents.Record(&agreement.Incident{
		Component: "deposit-scanner",
		Action:    "check-payout",
		Kind:      state.KindRedemption.String(),
		Key:       key,
		TxHashes:  []string{txid, txnHash},
		Err:       problem,
	})
}
