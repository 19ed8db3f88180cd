package reconciler

import (
	"testing"

	logger "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/atlas-bridge/state"
)

func testPolicy(yield bool) *Policy {
	return &Policy{
		Threshold: func(chainID string) (uint32, bool) {
			switch chainID {
			case evmChain, nearChain:
				return 1, true
			}
			return 0, false
		},
		YieldProvider: yield,
	}
}

// variants returns rec in every combination of the fields the rules read.
func variants(kind state.Kind, s state.Status) []state.Record {
	var out []state.Record
	for _, paused := range []bool{false, true} {
		for _, verified := range []uint32{0, 1} {
			for _, hashes := range []bool{false, true} {
				var rec state.Record
				switch kind {
				case state.KindDeposit:
					d := state.RandDeposit(s)
					d.MintedTxnHashVerifiedCount = verified
					if hashes {
						d.MintedTxnHash, d.YieldProviderTxnHash, d.RefundTxnHash = "m", "y", "r"
					}
					rec = d
				case state.KindRedemption:
					r := state.RandRedemption(s)
					if hashes {
						r.BtcTxnHash, r.UnstakeRequestID, r.YieldProviderTxnHash = "b", "u", "y"
					}
					rec = r
				case state.KindBridging:
					b := state.RandBridging(s)
					if hashes {
						b.DestTxnHash, b.UnstakeRequestID, b.YieldProviderTxnHash = "d", "u", "y"
					}
					rec = b
				}
				rec.Base().VerifiedCount = verified
				if paused {
					rec.Base().Remarks = "paused"
				}
				out = append(out, rec)
			}
		}
	}
	return out
}

func TestEligibleIsExclusive(t *testing.T) {
	for _, yield := range []bool{false, true} {
		p := testPolicy(yield)
		for _, kind := range state.Kinds {
			for _, s := range state.Statuses(kind) {
				for _, rec := range variants(kind, s) {
					actions := Eligible(rec, p)
					assert.LessOrEqual(t, len(actions), 1, "%s %s: %v", kind, state.StatusName(kind, s), actions)
				}
			}
		}
	}
}

func TestEligible(t *testing.T) {
	p := testPolicy(true)

	d := state.RandDeposit(state.DepositPendingMempool)
	assert.Equal(t, []Action{ActionConfirmDeposit}, Eligible(d, p))
	d.Remarks = "no routing data"
	assert.Empty(t, Eligible(d, p))

	d = state.RandDeposit(state.DepositDepositedIntoAtlas)
	assert.Equal(t, []Action{ActionVerifyDeposit}, Eligible(d, p))
	d.VerifiedCount = 1
	assert.Equal(t, []Action{ActionStake}, Eligible(d, p))
	d.ReceivingChainID = "SOLANA"
	assert.Empty(t, Eligible(d, p))

	d = state.RandDeposit(state.DepositMintedIntoAbtc)
	assert.Empty(t, Eligible(d, p))
	d.MintedTxnHash = "0xmint"
	assert.Equal(t, []Action{ActionVerifyMint}, Eligible(d, p))
	d.MintedTxnHashVerifiedCount = 1
	assert.Empty(t, Eligible(d, p))

	d = state.RandDeposit(state.DepositRefunding)
	d.RefundTxnHash = "refund"
	d.Remarks = "operator refund"
	assert.Equal(t, []Action{ActionConfirmRefund}, Eligible(d, p))

	r := state.RandRedemption(state.RedemptionYieldProviderWithdrawn)
	assert.Equal(t, []Action{ActionSendBack}, Eligible(r, p))
	r.BtcTxnHash = "payout"
	assert.Empty(t, Eligible(r, p))

	r = state.RandRedemption(state.RedemptionPendingYieldProviderWithdraw)
	assert.Equal(t, []Action{ActionWithdraw}, Eligible(r, p))

	b := state.RandBridging(state.BridgingAbtcMintedToDest)
	b.DestTxnHash = "8bXn2"
	assert.Equal(t, []Action{ActionQueueFeeUnstake}, Eligible(b, p))
	assert.Empty(t, Eligible(b, testPolicy(false)))
	b.BridgingFee = 0
	assert.Empty(t, Eligible(b, p))

	b = state.RandBridging(state.BridgingYieldProviderUnstakeProcessing)
	b.UnstakeRequestID = "unstake-1"
	assert.Equal(t, []Action{ActionCheckUnstake}, Eligible(b, p))
}

func TestUnknownChainIsLogged(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	d := state.RandDeposit(state.DepositDepositedIntoAtlas)
	d.ReceivingChainID = "999"
	assert.Empty(t, Eligible(d, testPolicy(true)))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logger.WarnLevel, entry.Level)
	assert.Equal(t, "999", entry.Data["chain"])
}
