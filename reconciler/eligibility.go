package reconciler

import (
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/state"
)

// Action names one step the engine can take on a record.
type Action string

const (
	ActionConfirmDeposit  Action = "confirm-deposit"
	ActionVerifyDeposit   Action = "verify-deposit"
	ActionStake           Action = "stake"
	ActionConfirmStake    Action = "confirm-stake"
	ActionMint            Action = "mint"
	ActionVerifyMint      Action = "verify-mint"
	ActionConfirmRefund   Action = "confirm-refund"
	ActionVerifyBurn      Action = "verify-burn"
	ActionQueueRedemption Action = "queue-redemption"
	ActionSendBack        Action = "send-back"
	ActionConfirmSendBack Action = "confirm-send-back"
	ActionAcceptBurn      Action = "accept-burn"
	ActionBridgeMint      Action = "bridge-mint"
	ActionQueueFeeUnstake Action = "queue-fee-unstake"
	ActionUnstake         Action = "unstake"
	ActionCheckUnstake    Action = "check-unstake"
	ActionQueueWithdraw   Action = "queue-withdraw"
	ActionWithdraw        Action = "withdraw"
	ActionConfirmWithdraw Action = "confirm-withdraw"
)

// Policy is the configuration the eligibility rules read.
type Policy struct {
	// validators_threshold per chain id; false for unknown chains
	Threshold     func(chainID string) (uint32, bool)
	YieldProvider bool
}

type rule struct {
	action Action
	match  func(rec state.Record, p *Policy) bool
}

func deposit(f func(d *state.Deposit, p *Policy) bool) func(state.Record, *Policy) bool {
	return func(rec state.Record, p *Policy) bool {
		d, ok := rec.(*state.Deposit)
		return ok && f(d, p)
	}
}

func redemption(f func(r *state.Redemption, p *Policy) bool) func(state.Record, *Policy) bool {
	return func(rec state.Record, p *Policy) bool {
		r, ok := rec.(*state.Redemption)
		return ok && f(r, p)
	}
}

func bridging(f func(b *state.Bridging, p *Policy) bool) func(state.Record, *Policy) bool {
	return func(rec state.Record, p *Policy) bool {
		b, ok := rec.(*state.Bridging)
		return ok && f(b, p)
	}
}

// verified reports whether count reached the threshold of chainID. The
// second result is false when the chain is not configured.
func (p *Policy) verified(chainID string, count uint32) (bool, bool) {
	thr, ok := p.Threshold(chainID)
	if !ok {
		logger.WithField("chain", chainID).Warn("record names a chain that is not configured")
		return false, false
	}
	return count >= thr, true
}

func (p *Policy) needsVerification(chainID string, count uint32) bool {
	done, ok := p.verified(chainID, count)
	return ok && !done
}

func (p *Policy) isVerified(chainID string, count uint32) bool {
	done, ok := p.verified(chainID, count)
	return ok && done
}

var depositRules = []rule{
	{ActionConfirmDeposit, deposit(func(d *state.Deposit, _ *Policy) bool {
		return d.Status == state.DepositPendingMempool && !d.Paused()
	})},
	{ActionVerifyDeposit, deposit(func(d *state.Deposit, p *Policy) bool {
		return d.Status == state.DepositDepositedIntoAtlas && !d.Paused() &&
			p.needsVerification(d.ReceivingChainID, d.VerifiedCount)
	})},
	{ActionStake, deposit(func(d *state.Deposit, p *Policy) bool {
		return d.Status == state.DepositDepositedIntoAtlas && !d.Paused() &&
			p.isVerified(d.ReceivingChainID, d.VerifiedCount) &&
			d.YieldProviderTxnHash == ""
	})},
	{ActionConfirmStake, deposit(func(d *state.Deposit, _ *Policy) bool {
		return d.Status == state.DepositPendingYieldProviderDeposit && !d.Paused() &&
			d.YieldProviderTxnHash != ""
	})},
	{ActionMint, deposit(func(d *state.Deposit, p *Policy) bool {
		return d.Status == state.DepositYieldProviderDeposited && !d.Paused() &&
			p.isVerified(d.ReceivingChainID, d.VerifiedCount) &&
			d.MintedTxnHash == ""
	})},
	{ActionVerifyMint, deposit(func(d *state.Deposit, p *Policy) bool {
		return d.Status == state.DepositMintedIntoAbtc && !d.Paused() &&
			d.MintedTxnHash != "" &&
			p.needsVerification(d.ReceivingChainID, d.MintedTxnHashVerifiedCount)
	})},
	// an operator refund is confirmed whatever the remarks say
	{ActionConfirmRefund, deposit(func(d *state.Deposit, _ *Policy) bool {
		return d.Status == state.DepositRefunding && d.RefundTxnHash != ""
	})},
}

var redemptionRules = []rule{
	{ActionVerifyBurn, redemption(func(r *state.Redemption, p *Policy) bool {
		return r.Status == state.RedemptionAbtcBurnt && !r.Paused() &&
			p.needsVerification(r.AbtcRedemptionChainID, r.VerifiedCount)
	})},
	{ActionQueueRedemption, redemption(func(r *state.Redemption, p *Policy) bool {
		return r.Status == state.RedemptionAbtcBurnt && !r.Paused() &&
			p.isVerified(r.AbtcRedemptionChainID, r.VerifiedCount)
	})},
	{ActionSendBack, redemption(func(r *state.Redemption, _ *Policy) bool {
		return (r.Status == state.RedemptionYieldProviderWithdrawn || r.Status == state.RedemptionPendingRedemptionFromAtlasToUser) &&
			!r.Paused() && r.BtcTxnHash == ""
	})},
	{ActionConfirmSendBack, redemption(func(r *state.Redemption, _ *Policy) bool {
		return r.Status == state.RedemptionPendingMempoolConfirmation && !r.Paused() &&
			r.BtcTxnHash != ""
	})},
}

var bridgingRules = []rule{
	{ActionVerifyBurn, bridging(func(b *state.Bridging, p *Policy) bool {
		return b.Status == state.BridgingAbtcPendingBurnt && !b.Paused() &&
			p.needsVerification(b.OriginChainID, b.VerifiedCount)
	})},
	{ActionAcceptBurn, bridging(func(b *state.Bridging, p *Policy) bool {
		return b.Status == state.BridgingAbtcPendingBurnt && !b.Paused() &&
			p.isVerified(b.OriginChainID, b.VerifiedCount)
	})},
	{ActionBridgeMint, bridging(func(b *state.Bridging, _ *Policy) bool {
		return b.Status == state.BridgingAbtcBurnt && !b.Paused() && b.DestTxnHash == ""
	})},
	{ActionQueueFeeUnstake, bridging(func(b *state.Bridging, p *Policy) bool {
		return b.Status == state.BridgingAbtcMintedToDest && !b.Paused() &&
			b.DestTxnHash != "" && b.WithdrawableFee() > 0 && p.YieldProvider
	})},
}

// yield pipeline rules, shared by redemptions and bridgings
func yieldRules(kind state.Kind) []rule {
	s := yieldStatuses[kind]
	return []rule{
		{ActionUnstake, func(rec state.Record, _ *Policy) bool {
			y := yieldView(rec)
			return rec.Base().Status == s.pendingUnstake && !rec.Base().Paused() && y.requestID == ""
		}},
		{ActionCheckUnstake, func(rec state.Record, _ *Policy) bool {
			y := yieldView(rec)
			return rec.Base().Status == s.processing && !rec.Base().Paused() && y.requestID != ""
		}},
		{ActionQueueWithdraw, func(rec state.Record, _ *Policy) bool {
			return rec.Base().Status == s.unstaked && !rec.Base().Paused()
		}},
		{ActionWithdraw, func(rec state.Record, _ *Policy) bool {
			y := yieldView(rec)
			return rec.Base().Status == s.pendingWithdraw && !rec.Base().Paused() && y.txnHash == ""
		}},
		{ActionConfirmWithdraw, func(rec state.Record, _ *Policy) bool {
			y := yieldView(rec)
			return rec.Base().Status == s.withdrawing && !rec.Base().Paused() && y.txnHash != ""
		}},
	}
}

var kindRules = map[state.Kind][]rule{
	state.KindDeposit:    depositRules,
	state.KindRedemption: append(append([]rule{}, redemptionRules...), yieldRules(state.KindRedemption)...),
	state.KindBridging:   append(append([]rule{}, bridgingRules...), yieldRules(state.KindBridging)...),
}

// Eligible returns every action whose predicate holds for rec. The rules
// are disjoint, so at most one action is returned for a record.
func Eligible(rec state.Record, p *Policy) []Action {
	var out []Action
	for _, r := range kindRules[rec.Kind()] {
		if r.match(rec, p) {
			out = append(out, r.action)
		}
	}
	return out
}
