package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/common"
	"github.com/TEENet-io/atlas-bridge/etherman"
	"github.com/TEENet-io/atlas-bridge/gasfee"
	"github.com/TEENet-io/atlas-bridge/nearman"
	"github.com/TEENet-io/atlas-bridge/state"
)

type staticOracle map[string]decimal.Decimal

func (o staticOracle) GetPrice(_ context.Context, asset, vs string) (decimal.Decimal, error) {
	p, ok := o[asset+"/"+vs]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s/%s", asset, vs)
	}
	return p, nil
}

var prices = staticOracle{
	"BTC/usd": decimal.NewFromInt(60_000),
	"ETH/usd": decimal.NewFromInt(3_000),
}

// fakeEvm models a node whose pending nonce counts what reached its pool.
type fakeEvm struct {
	contract ethcommon.Address
	baseFee  *big.Int
	sendErr  error
	// time between reading the nonce and answering
	latency    time.Duration
	revert     bool
	receiptErr error

	mu       sync.Mutex
	sent     []*types.Transaction
	receipts map[ethcommon.Hash]bool
}

func (f *fakeEvm) ChainID() *big.Int                  { return big.NewInt(421614) }
func (f *fakeEvm) ContractAddress() ethcommon.Address { return f.contract }

func (f *fakeEvm) PendingNonce(context.Context, ethcommon.Address) (uint64, error) {
	f.mu.Lock()
	nonce := 7 + uint64(len(f.sent))
	f.mu.Unlock()
	time.Sleep(f.latency)
	return nonce, nil
}

func (f *fakeEvm) EstimateGas(context.Context, ethcommon.Address, []byte) (uint64, error) {
	return 100_000, nil
}

func (f *fakeEvm) BaseFee(context.Context) (*big.Int, error) {
	return f.baseFee, nil
}

func (f *fakeEvm) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEvm) WaitForReceipt(_ context.Context, hash ethcommon.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{TxHash: hash, Status: status}, nil
}

func (f *fakeEvm) ReceiptStatus(_ context.Context, hash ethcommon.Hash) (bool, bool, error) {
	ok, found := f.receipts[hash]
	return found, ok, nil
}

func newEvmWorker(t *testing.T, em *fakeEvm) *EvmWorker {
	f := newFixture(t, true)
	ch, ok := f.cfg.Chain(evmChain)
	require.True(t, ok)
	return &EvmWorker{cfg: ch, em: em, signer: f.coord, matcher: gasfee.NewMatcher(prices)}
}

func TestEvmWorkerMintSpendsMintingFee(t *testing.T) {
	em := &fakeEvm{contract: common.RandEthAddress(), baseFee: big.NewInt(100_000_000)}
	w := newEvmWorker(t, em)
	d := state.RandDeposit(state.DepositYieldProviderDeposited)
	d.MintingFee = 200

	claims := 0
	require.NoError(t, w.MintDeposit(context.Background(), d, func() error { claims++; return nil }))
	assert.Equal(t, 1, claims)
	require.Len(t, em.sent, 1)

	// 200 sat = 0.12 USD = 0.00004 ETH, spread over 120k gas
	tx := em.sent[0]
	assert.EqualValues(t, 120_000, tx.Gas())
	assert.Equal(t, big.NewInt(333_333_333), tx.GasPrice())
	assert.EqualValues(t, 7, tx.Nonce())
	assert.Equal(t, em.contract, *tx.To())

	signer := types.LatestSignerForChainID(big.NewInt(421614))
	from, err := types.Sender(signer, tx)
	require.NoError(t, err)
	assert.Equal(t, w.signer.EvmAddress(), from)
}

func TestEvmWorkerBelowBaseFeeDoesNotClaim(t *testing.T) {
	em := &fakeEvm{contract: common.RandEthAddress(), baseFee: big.NewInt(1_000_000_000)}
	w := newEvmWorker(t, em)
	b := state.RandBridging(state.BridgingAbtcBurnt)
	b.DestChainAddress = common.RandEthAddress().Hex()

	claimed := false
	err := w.MintBridge(context.Background(), b, func() error { claimed = true; return nil })
	require.Error(t, err)
	assert.Equal(t, agreement.RecoverableGasBelowBaseFee, agreement.RecoverableKindOf(err))
	assert.False(t, claimed)
	assert.Empty(t, em.sent)
}

func TestEvmWorkerClaimConflictStopsSend(t *testing.T) {
	em := &fakeEvm{contract: common.RandEthAddress(), baseFee: big.NewInt(100_000_000)}
	w := newEvmWorker(t, em)
	d := state.RandDeposit(state.DepositYieldProviderDeposited)
	d.MintingFee = 200

	err := w.MintDeposit(context.Background(), d, func() error { return state.ErrConflict })
	assert.ErrorIs(t, err, state.ErrConflict)
	assert.Empty(t, em.sent)
}

func TestEvmWorkerConcurrentMintsTakeDistinctNonces(t *testing.T) {
	em := &fakeEvm{contract: common.RandEthAddress(), baseFee: big.NewInt(100_000_000), latency: 20 * time.Millisecond}
	w := newEvmWorker(t, em)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		d := state.RandDeposit(state.DepositYieldProviderDeposited)
		d.MintingFee = int64(200 + 100*i)
		wg.Add(1)
		go func(i int, d *state.Deposit) {
			defer wg.Done()
			errs[i] = w.MintDeposit(context.Background(), d, func() error { return nil })
		}(i, d)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	require.Len(t, em.sent, 2)
	nonces := []uint64{em.sent[0].Nonce(), em.sent[1].Nonce()}
	assert.ElementsMatch(t, []uint64{7, 8}, nonces)
}

func TestEvmWorkerReceipt(t *testing.T) {
	em := &fakeEvm{contract: common.RandEthAddress(), baseFee: big.NewInt(100_000_000), revert: true}
	w := newEvmWorker(t, em)
	d := state.RandDeposit(state.DepositYieldProviderDeposited)
	d.MintingFee = 200

	// a reverted mint is reported after the claim
	claims := 0
	err := w.MintDeposit(context.Background(), d, func() error { claims++; return nil })
	assert.ErrorIs(t, err, ErrMintReverted)
	assert.Equal(t, 1, claims)

	// a receipt that does not show up in time is left to ingestion
	em.revert = false
	em.receiptErr = etherman.ErrReceiptTimeout
	require.NoError(t, w.MintDeposit(context.Background(), d, func() error { return nil }))
	assert.Len(t, em.sent, 2)
}

func TestEvmWorkerTxState(t *testing.T) {
	ok, failed := ethcommon.Hash{1}, ethcommon.Hash{2}
	em := &fakeEvm{receipts: map[ethcommon.Hash]bool{ok: true, failed: false}}
	w := newEvmWorker(t, em)

	for hash, want := range map[ethcommon.Hash]TxState{ok: TxSucceeded, failed: TxFailed, {3}: TxPending} {
		got, err := w.TxState(context.Background(), hash.Hex(), "")
		require.NoError(t, err)
		assert.Equal(t, want, got, hash.Hex())
	}
}

type fakeNear struct {
	calls    []*nearman.FunctionCall
	claimed  []bool
	claims   *int
	outcomes map[string]*nearman.TxOutcome
	senders  []string
}

func (f *fakeNear) CallFunction(_ context.Context, _ nearman.PayloadSigner, call *nearman.FunctionCall) (string, error) {
	f.calls = append(f.calls, call)
	f.claimed = append(f.claimed, *f.claims > 0)
	return "9fRk1", nil
}

func (f *fakeNear) TxStatus(_ context.Context, txHash, senderID string) (*nearman.TxOutcome, error) {
	f.senders = append(f.senders, senderID)
	o, ok := f.outcomes[txHash]
	if !ok {
		return nil, nearman.ErrTxNotFound
	}
	return o, nil
}

func newNearWorker(t *testing.T, client *fakeNear) *NearWorker {
	f := newFixture(t, true)
	ch, ok := f.cfg.Chain(nearChain)
	require.True(t, ok)
	ch.NearAccountID = "relayer.testnet"
	return &NearWorker{cfg: ch, client: client, signer: f.coord}
}

func TestNearWorkerClaimsBeforeCall(t *testing.T) {
	claims := 0
	client := &fakeNear{claims: &claims}
	w := newNearWorker(t, client)
	b := state.RandBridging(state.BridgingAbtcBurnt)
	_, originTxn, err := agreement.SplitCorrelationKey(b.Key)
	require.NoError(t, err)

	require.NoError(t, w.MintBridge(context.Background(), b, func() error { claims++; return nil }))
	require.Len(t, client.calls, 1)
	assert.True(t, client.claimed[0])

	call := client.calls[0]
	assert.Equal(t, "relayer.testnet", call.SignerID)
	assert.Equal(t, "abtc.testnet", call.ReceiverID)
	assert.Equal(t, "mint_bridge", call.Method)
	assert.Equal(t, map[string]string{
		"origin_chain_id": b.OriginChainID,
		"origin_txn_hash": originTxn,
		"receiver_id":     b.DestChainAddress,
		"amount":          "39500",
	}, call.Args)

	// a lost claim sends nothing
	err = w.MintDeposit(context.Background(), state.RandDeposit(state.DepositYieldProviderDeposited), func() error {
		return state.ErrConflict
	})
	assert.ErrorIs(t, err, state.ErrConflict)
	assert.Len(t, client.calls, 1)
}

func TestNearWorkerTxState(t *testing.T) {
	value := ""
	client := &fakeNear{claims: new(int), outcomes: map[string]*nearman.TxOutcome{
		"ok":     {Status: nearman.ExecutionStatus{SuccessValue: &value}},
		"failed": {Status: nearman.ExecutionStatus{Failure: json.RawMessage(`{"ActionError":{}}`)}},
	}}
	w := newNearWorker(t, client)

	for hash, want := range map[string]TxState{"ok": TxSucceeded, "failed": TxFailed, "unknown": TxPending} {
		got, err := w.TxState(context.Background(), hash, "")
		require.NoError(t, err)
		assert.Equal(t, want, got, hash)
	}
	_, err := w.TxState(context.Background(), "ok", "alice.testnet")
	require.NoError(t, err)
	assert.Equal(t, []string{"relayer.testnet", "relayer.testnet", "relayer.testnet", "alice.testnet"}, client.senders)
}

func TestCorrelatedHashes(t *testing.T) {
	assert.Equal(t, []string{"abcd"}, correlatedHashes(state.KindDeposit, "abcd"))
	assert.Equal(t, []string{"0xabc"}, correlatedHashes(state.KindRedemption, "421614,0xabc"))
	assert.Nil(t, correlatedHashes(state.KindBridging, "broken"))
}

func TestAtStatus(t *testing.T) {
	assert.NoError(t, atStatus(state.DepositRefunding, nil))
	cause := errors.New("boom")
	err := atStatus(state.DepositRefunding, cause)
	assert.ErrorIs(t, err, cause)
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, state.DepositRefunding, se.status)
}
