package reconciler

import (
	"context"
	"fmt"

	"github.com/TEENet-io/atlas-bridge/state"
)

func (e *Engine) acceptBurn(_ context.Context, b *state.Bridging) error {
	return e.st.Advance(state.KindBridging, b.Key, state.BridgingAbtcPendingBurnt, state.BridgingAbtcBurnt, nil)
}

// bridgeMint claims the bridging and mints on the destination chain. The
// destination hash is written when the mint event is ingested.
func (e *Engine) bridgeMint(ctx context.Context, b *state.Bridging) error {
	if b.MintAmount() <= 0 {
		return fmt.Errorf("bridging of %d sat leaves %d after fees", b.AbtcAmount, b.MintAmount())
	}
	w, err := e.worker(b.DestChainID)
	if err != nil {
		return err
	}
	c := &claim{fn: func() error {
		return e.st.AdvanceGuarded(state.KindBridging, b.Key,
			state.BridgingAbtcBurnt, state.BridgingPendingBridgeFromOriginToDest, nil,
			&state.Guard{EmptyColumns: []string{"dest_txn_hash"}, NoRemarks: true})
	}}
	return c.result(state.BridgingPendingBridgeFromOriginToDest, w.MintBridge(ctx, b, c.run))
}

// queueFeeUnstake sends the bridging fee down the yield pipeline so it
// can be withdrawn to the treasury.
func (e *Engine) queueFeeUnstake(_ context.Context, b *state.Bridging) error {
	return e.st.Advance(state.KindBridging, b.Key,
		state.BridgingAbtcMintedToDest, state.BridgingPendingYieldProviderUnstake, nil)
}
