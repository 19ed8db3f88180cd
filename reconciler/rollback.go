package reconciler

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/metrics"
	"github.com/TEENet-io/atlas-bridge/state"
)

// rollbackRule moves a record paused at from with a recoverable error back
// to to, emptying clear. from == to only lifts the pause.
type rollbackRule struct {
	kind        state.Kind
	remarksKind agreement.RecoverableErrorKind
	from        state.Status
	to          state.Status
	clear       []string
}

var rollbackRules = []rollbackRule{
	{state.KindDeposit, agreement.RecoverableMempoolChainTooLong,
		state.DepositPendingYieldProviderDeposit, state.DepositDepositedIntoAtlas, []string{"yield_provider_txn_hash"}},
	{state.KindDeposit, agreement.RecoverableGasBelowBaseFee,
		state.DepositPendingMintedIntoAbtc, state.DepositYieldProviderDeposited, nil},
	{state.KindDeposit, agreement.RecoverableGasBelowBaseFee,
		state.DepositYieldProviderDeposited, state.DepositYieldProviderDeposited, nil},
	{state.KindRedemption, agreement.RecoverableMempoolChainTooLong,
		state.RedemptionPendingMempoolConfirmation, state.RedemptionPendingRedemptionFromAtlasToUser, []string{"btc_txn_hash"}},
	{state.KindRedemption, agreement.RecoverableMempoolChainTooLong,
		state.RedemptionYieldProviderWithdrawing, state.RedemptionPendingYieldProviderWithdraw, []string{"yield_provider_txn_hash"}},
	{state.KindBridging, agreement.RecoverableMempoolChainTooLong,
		state.BridgingYieldProviderWithdrawing, state.BridgingPendingYieldProviderWithdraw, []string{"yield_provider_txn_hash"}},
	{state.KindBridging, agreement.RecoverableGasBelowBaseFee,
		state.BridgingPendingBridgeFromOriginToDest, state.BridgingAbtcBurnt, nil},
	{state.KindBridging, agreement.RecoverableGasBelowBaseFee,
		state.BridgingAbtcBurnt, state.BridgingAbtcBurnt, nil},
}

// RunRollback retries recoverable failures once per rollback interval.
func (e *Engine) RunRollback(ctx context.Context) error {
	logger.Debug("starting rollback loop")
	defer logger.Debug("stopping rollback loop")

	interval := e.cfg.Reconciler.RollbackInterval
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
			if _, err := e.RollbackOnce(ctx); err != nil {
				logger.Errorf("rollback pass failed: err=%v", err)
			}
		}
	}
}

// RollbackOnce resumes every record paused with a recoverable error for
// longer than the cooldown and returns how many were resumed.
func (e *Engine) RollbackOnce(ctx context.Context) (int, error) {
	before := e.now().Add(-e.cfg.Reconciler.RollbackCooldown)
	n := 0
	for _, r := range rollbackRules {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		recs, err := e.st.ListPaused(r.kind, r.remarksKind, before)
		if err != nil {
			return n, err
		}
		for _, rec := range recs {
			if rec.Base().Status != r.from {
				continue
			}
			if err := e.rollback(r, rec.Base().Key); err != nil {
				if errors.Is(err, state.ErrConflict) {
					continue
				}
				return n, err
			}
			n++
			metrics.Rollbacks.WithLabelValues(r.kind.String(), r.remarksKind.String()).Inc()
			logger.WithFields(logger.Fields{
				"kind": r.kind.String(),
				"key":  rec.Base().Key,
				"from": state.StatusName(r.kind, r.from),
				"to":   state.StatusName(r.kind, r.to),
			}).Info("record resumed")
		}
	}
	return n, nil
}

func (e *Engine) rollback(r rollbackRule, key string) error {
	if r.from == r.to {
		return e.st.ClearRemarks(r.kind, key, r.from)
	}
	return e.st.Rollback(r.kind, key, r.from, r.to, r.clear)
}
