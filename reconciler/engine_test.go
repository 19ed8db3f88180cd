package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/btcman/assembler"
	"github.com/TEENet-io/atlas-bridge/btcman/envelope"
	"github.com/TEENet-io/atlas-bridge/btcman/rpc"
	"github.com/TEENet-io/atlas-bridge/btcman/utils"
	"github.com/TEENet-io/atlas-bridge/btcman/utxo"
	"github.com/TEENet-io/atlas-bridge/common"
	"github.com/TEENet-io/atlas-bridge/config"
	"github.com/TEENet-io/atlas-bridge/ingest"
	"github.com/TEENet-io/atlas-bridge/multisig"
	"github.com/TEENet-io/atlas-bridge/state"
	"github.com/TEENet-io/atlas-bridge/yieldprovider"
)

const (
	evmChain  = "421614"
	nearChain = "NEAR_TESTNET"
)

var (
	params = &chaincfg.RegressionNetParams

	testSignerConfig = &config.SignerConfig{
		AccountID:   "atlas.testnet",
		BitcoinPath: "bitcoin-1",
		EvmPath:     "ethereum-1",
		NearPath:    "near-1",
	}
)

type incidentLog struct {
	mu        sync.Mutex
	incidents []*agreement.Incident
}

func (l *incidentLog) Record(inc *agreement.Incident) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.incidents = append(l.incidents, inc)
}

func (l *incidentLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.incidents)
}

type fakeWorker struct {
	mu      sync.Mutex
	chainID string
	states  map[string]TxState
	minted  []string
	// returned before the claim
	early error
	// returned after the claim
	late error
}

var _ ChainWorker = (*fakeWorker)(nil)

func newFakeWorker(chainID string) *fakeWorker {
	return &fakeWorker{chainID: chainID, states: make(map[string]TxState)}
}

func (w *fakeWorker) ChainID() string { return w.chainID }

func (w *fakeWorker) MintDeposit(_ context.Context, d *state.Deposit, claim func() error) error {
	return w.mint(d.Key, claim)
}

func (w *fakeWorker) MintBridge(_ context.Context, b *state.Bridging, claim func() error) error {
	return w.mint(b.Key, claim)
}

func (w *fakeWorker) mint(key string, claim func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.early != nil {
		return w.early
	}
	if err := claim(); err != nil {
		return err
	}
	w.minted = append(w.minted, key)
	return w.late
}

func (w *fakeWorker) TxState(_ context.Context, txHash, _ string) (TxState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[txHash], nil
}

func (w *fakeWorker) setState(txHash string, s TxState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states[txHash] = s
}

func (w *fakeWorker) mints() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.minted...)
}

type fixture struct {
	cfg       *config.Config
	st        *state.StateDB
	sim       *rpc.SimulatedBtcClient
	coord     *multisig.Coordinator
	provider  *yieldprovider.SimulatedProvider
	batches   *yieldprovider.BatchStore
	evm       *fakeWorker
	near      *fakeWorker
	incidents *incidentLog
	engine    *Engine
	scanner   *DepositScanner

	atlas     string
	treasury  string
	ypDeposit string
	// custody key, legacy script: what the simulated venue spends from
	ypSource string
}

func btcAddress(t *testing.T) string {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := assembler.P2WPKHAddress(priv.PubKey(), params)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func pkScript(t *testing.T, address string) []byte {
	script, err := common.PayToAddrScript(address, params)
	require.NoError(t, err)
	return script
}

func evmTxHash() string {
	return common.Prepend0xPrefix(common.RandTxHash())
}

// fund gives address a confirmed UTXO of amount.
func fund(t *testing.T, sim *rpc.SimulatedBtcClient, address string, amount int64) {
	script := pkScript(t, address)
	prev := wire.NewMsgTx(wire.TxVersion)
	prev.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil))
	prev.AddTxOut(wire.NewTxOut(amount, script))
	txid := sim.AddTx(prev, 6)
	sim.AddUTXO(address, &utxo.UTXO{TxID: txid, Vout: 0, Amount: amount, PkScript: script, Confirmations: 6})
}

func testConfig(t *testing.T, atlas, treasury, ypDeposit string, yieldEnabled bool) *config.Config {
	v := config.NewViper()
	v.Set("bitcoin.network", "regtest")
	v.Set("bitcoin.atlas_address", atlas)
	v.Set("chains", []map[string]interface{}{
		{"chain_id": evmChain, "type": "EVM", "validators_threshold": 1, "native_asset": "ETH"},
		{"chain_id": nearChain, "type": "NEAR", "contract_address": "abtc.testnet", "validators_threshold": 1},
	})
	v.Set("fees.treasury_address", treasury)
	v.Set("yield_provider.enabled", yieldEnabled)
	v.Set("yield_provider.deposit_address", ypDeposit)
	v.Set("reconciler.page_size", 2)
	v.Set("reconciler.page_concurrency", 2)
	v.Set("reconciler.page_group_delay", time.Millisecond)
	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	return cfg
}

func newFixture(t *testing.T, yieldEnabled bool) *fixture {
	ctx := context.Background()
	ls, err := multisig.NewRandomLocalSigner(testSignerConfig.AccountID)
	require.NoError(t, err)
	coord, err := multisig.NewCoordinator(ctx, ls, testSignerConfig, params)
	require.NoError(t, err)
	custody, err := coord.BitcoinAddress()
	require.NoError(t, err)
	legacy, err := assembler.P2PKHAddress(coord.BitcoinPublicKey(), params)
	require.NoError(t, err)

	f := &fixture{
		sim:       rpc.NewSimulatedBtcClient(),
		coord:     coord,
		evm:       newFakeWorker(evmChain),
		near:      newFakeWorker(nearChain),
		incidents: &incidentLog{},
		atlas:     custody.EncodeAddress(),
		treasury:  btcAddress(t),
		ypDeposit: btcAddress(t),
		ypSource:  legacy.EncodeAddress(),
	}
	f.cfg = testConfig(t, f.atlas, f.treasury, f.ypDeposit, yieldEnabled)

	f.st, err = state.NewMemoryStateDB()
	require.NoError(t, err)
	t.Cleanup(f.st.Close)
	f.batches, err = yieldprovider.NewMemoryBatchStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.batches.Close() })
	f.provider = yieldprovider.NewSimulatedProvider(f.ypDeposit, f.ypSource, assembler.NewAssembler(params, f.sim, 6))

	f.engine, err = NewEngine(&Components{
		Config:    f.cfg,
		Params:    params,
		State:     f.st,
		Btc:       f.sim,
		BtcSigner: coord,
		Workers:   []ChainWorker{f.evm, f.near},
		Provider:  f.provider,
		Batches:   f.batches,
		Incidents: f.incidents,
	})
	require.NoError(t, err)
	f.scanner, err = NewDepositScanner(f.cfg, params, f.st, f.sim, f.incidents)
	require.NoError(t, err)
	return f
}

func (f *fixture) runOnce(t *testing.T) {
	require.NoError(t, f.engine.RunOnce(context.Background()))
}

func (f *fixture) insert(t *testing.T, rec state.Record) {
	ok, err := f.st.InsertIfAbsent(rec)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) deposit(t *testing.T, key string) *state.Deposit {
	d, err := f.st.GetDeposit(key)
	require.NoError(t, err)
	return d
}

func (f *fixture) redemption(t *testing.T, key string) *state.Redemption {
	r, err := f.st.GetRedemption(key)
	require.NoError(t, err)
	return r
}

func (f *fixture) bridging(t *testing.T, key string) *state.Bridging {
	b, err := f.st.GetBridging(key)
	require.NoError(t, err)
	return b
}

// depositTx puts a payment of amount to the custody address into the
// mempool and returns it with the address that funded it.
func (f *fixture) depositTx(t *testing.T, amount int64, env *envelope.Deposit) (*wire.MsgTx, string) {
	sender := btcAddress(t)
	funding := wire.NewMsgTx(wire.TxVersion)
	funding.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil))
	funding.AddTxOut(wire.NewTxOut(amount+10_000, pkScript(t, sender)))
	f.sim.AddTx(funding, 6)

	fundingHash := funding.TxHash()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&fundingHash, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(amount, pkScript(t, f.atlas)))
	if env != nil {
		payload, err := envelope.EncodeDeposit(env)
		require.NoError(t, err)
		script, err := envelope.Script(payload)
		require.NoError(t, err)
		tx.AddTxOut(wire.NewTxOut(0, script))
	}
	f.sim.AddTx(tx, 0)
	return tx, sender
}

func TestNewEngineValidation(t *testing.T) {
	f := newFixture(t, true)

	_, err := NewEngine(&Components{Config: f.cfg, Params: params, State: f.st, Btc: f.sim, BtcSigner: f.coord})
	assert.ErrorIs(t, err, ErrYieldProviderDeps)

	bad := *f.cfg
	bad.Bitcoin.AtlasAddress = "not-an-address"
	_, err = NewEngine(&Components{Config: &bad, Params: params, State: f.st, Btc: f.sim, BtcSigner: f.coord})
	assert.Error(t, err)
}

func TestDepositLifecycle(t *testing.T) {
	f := newFixture(t, true)
	fund(t, f.sim, f.atlas, 500_000)

	receiver := common.RandEthAddress().Hex()
	tx, sender := f.depositTx(t, 100_000, &envelope.Deposit{
		ChainID:             evmChain,
		Address:             receiver,
		YieldProviderGasFee: 300,
		ProtocolFee:         500,
		MintingFee:          200,
	})
	key := tx.TxHash().String()

	require.NoError(t, f.scanner.ScanOnce(context.Background()))
	d := f.deposit(t, key)
	assert.Equal(t, state.DepositPendingMempool, d.Status)
	assert.Equal(t, sender, d.BtcSender)
	assert.Equal(t, receiver, d.ReceivingAddress)
	assert.EqualValues(t, 100_000, d.BtcAmount)
	assert.EqualValues(t, 1_000, d.FeeAmount)
	assert.EqualValues(t, 500, d.ProtocolFee)
	assert.False(t, d.Paused())

	// still in the mempool
	f.runOnce(t)
	assert.Equal(t, state.DepositPendingMempool, f.deposit(t, key).Status)

	f.sim.MineBlock(tx)
	f.runOnce(t)
	assert.Equal(t, state.DepositDepositedIntoAtlas, f.deposit(t, key).Status)
	f.runOnce(t)
	assert.EqualValues(t, 1, f.deposit(t, key).VerifiedCount)

	// stake: net amount to the venue, protocol fee to the treasury
	f.runOnce(t)
	d = f.deposit(t, key)
	require.Equal(t, state.DepositPendingYieldProviderDeposit, d.Status)
	sent := f.sim.Broadcasted()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].TxHash().String(), d.YieldProviderTxnHash)
	staked, _ := utils.PaymentTo(sent[0], pkScript(t, f.ypDeposit))
	assert.EqualValues(t, 99_000, staked)
	fee, _ := utils.PaymentTo(sent[0], pkScript(t, f.treasury))
	assert.EqualValues(t, 500, fee)

	f.runOnce(t)
	assert.Equal(t, state.DepositPendingYieldProviderDeposit, f.deposit(t, key).Status)
	f.sim.SetConfirmations(d.YieldProviderTxnHash, 1)
	f.runOnce(t)
	assert.Equal(t, state.DepositYieldProviderDeposited, f.deposit(t, key).Status)

	f.runOnce(t)
	assert.Equal(t, state.DepositPendingMintedIntoAbtc, f.deposit(t, key).Status)
	assert.Equal(t, []string{key}, f.evm.mints())

	// the mint event completes the deposit
	mintHash := evmTxHash()
	outcome, err := ingest.NewProcessor(f.st, f.cfg, params, f.incidents).Apply(&ingest.MintDeposit{
		EventMeta:  ingest.EventMeta{ChainID: evmChain, TxHash: mintHash, BlockNumber: 1},
		BtcTxnHash: key,
		Recipient:  receiver,
		Amount:     99_000,
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.Applied, outcome)
	d = f.deposit(t, key)
	assert.Equal(t, state.DepositMintedIntoAbtc, d.Status)
	assert.Equal(t, mintHash, d.MintedTxnHash)

	f.runOnce(t)
	assert.EqualValues(t, 0, f.deposit(t, key).MintedTxnHashVerifiedCount)
	f.evm.setState(mintHash, TxSucceeded)
	f.runOnce(t)
	assert.EqualValues(t, 1, f.deposit(t, key).MintedTxnHashVerifiedCount)

	// nothing left to do
	f.runOnce(t)
	assert.Len(t, f.sim.Broadcasted(), 1)
	assert.Len(t, f.evm.mints(), 1)
	assert.Equal(t, 0, f.incidents.len())
}

func TestStakeWithoutFundsPauses(t *testing.T) {
	f := newFixture(t, true)
	d := state.RandDeposit(state.DepositDepositedIntoAtlas)
	d.VerifiedCount = 1
	f.insert(t, d)

	f.runOnce(t)
	got := f.deposit(t, d.Key)
	assert.Equal(t, state.DepositDepositedIntoAtlas, got.Status)
	assert.Contains(t, got.Remarks, "insufficient funds")
	assert.Equal(t, agreement.RecoverableNone, got.RemarksKind)
	assert.Empty(t, got.YieldProviderTxnHash)
	assert.Equal(t, 1, f.incidents.len())

	// paused records are left alone
	fund(t, f.sim, f.atlas, 500_000)
	f.runOnce(t)
	assert.Empty(t, f.sim.Broadcasted())
}

func TestYieldProviderDisabled(t *testing.T) {
	f := newFixture(t, false)
	d := state.RandDeposit(state.DepositDepositedIntoAtlas)
	d.VerifiedCount = 1
	f.insert(t, d)
	r := state.RandRedemption(state.RedemptionAbtcBurnt)
	r.VerifiedCount = 1
	f.insert(t, r)

	f.runOnce(t)
	assert.Equal(t, state.DepositYieldProviderDeposited, f.deposit(t, d.Key).Status)
	assert.Equal(t, state.RedemptionPendingRedemptionFromAtlasToUser, f.redemption(t, r.Key).Status)
	assert.Empty(t, f.sim.Broadcasted())
}

func TestMintGasBelowBaseFeeRollsBack(t *testing.T) {
	f := newFixture(t, true)
	claimed := state.RandDeposit(state.DepositYieldProviderDeposited)
	claimed.VerifiedCount = 1
	f.insert(t, claimed)
	f.evm.late = agreement.Recoverable(agreement.RecoverableGasBelowBaseFee, errors.New("max fee per gas less than block base fee"))

	f.runOnce(t)
	d := f.deposit(t, claimed.Key)
	assert.Equal(t, state.DepositPendingMintedIntoAbtc, d.Status)
	assert.True(t, d.Paused())
	assert.Equal(t, agreement.RecoverableGasBelowBaseFee, d.RemarksKind)

	// a failure before the claim pauses the record where it is
	early := state.RandDeposit(state.DepositYieldProviderDeposited)
	early.VerifiedCount = 1
	f.insert(t, early)
	f.evm.late = nil
	f.evm.early = agreement.Recoverable(agreement.RecoverableGasBelowBaseFee, errors.New("fee too low"))
	f.runOnce(t)
	d = f.deposit(t, early.Key)
	assert.Equal(t, state.DepositYieldProviderDeposited, d.Status)
	assert.Equal(t, agreement.RecoverableGasBelowBaseFee, d.RemarksKind)

	// within the cooldown
	n, err := f.engine.RollbackOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = f.engine.RollbackOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, key := range []string{claimed.Key, early.Key} {
		d = f.deposit(t, key)
		assert.Equal(t, state.DepositYieldProviderDeposited, d.Status)
		assert.False(t, d.Paused())
	}

	f.evm.early = nil
	f.runOnce(t)
	assert.Equal(t, state.DepositPendingMintedIntoAbtc, f.deposit(t, claimed.Key).Status)
	assert.Equal(t, state.DepositPendingMintedIntoAbtc, f.deposit(t, early.Key).Status)
}

func TestRollbackSkipsOtherRemarks(t *testing.T) {
	f := newFixture(t, true)
	d := state.RandDeposit(state.DepositPendingMintedIntoAbtc)
	f.insert(t, d)
	require.NoError(t, f.st.SetRemarks(state.KindDeposit, d.Key, d.Status, "rejected by the contract", agreement.RecoverableNone))

	f.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := f.engine.RollbackOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, f.deposit(t, d.Key).Paused())
}

func TestTransientErrorsAreRetried(t *testing.T) {
	f := newFixture(t, true)
	d := state.RandDeposit(state.DepositYieldProviderDeposited)
	d.VerifiedCount = 1
	f.insert(t, d)
	f.evm.early = agreement.Transient(errors.New("connection reset"))

	f.runOnce(t)
	got := f.deposit(t, d.Key)
	assert.False(t, got.Paused())
	assert.Equal(t, 0, f.incidents.len())

	f.evm.early = nil
	f.runOnce(t)
	assert.Equal(t, state.DepositPendingMintedIntoAbtc, f.deposit(t, d.Key).Status)
}

func TestFetchAllPages(t *testing.T) {
	f := newFixture(t, true)
	for i := 0; i < 9; i++ {
		f.insert(t, state.RandRedemption(state.RedemptionRedeemedBackToUser))
	}
	recs, err := f.engine.fetchAll(context.Background(), state.KindRedemption)
	require.NoError(t, err)
	assert.Len(t, recs, 9)

	recs, err = f.engine.fetchAll(context.Background(), state.KindBridging)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRefund(t *testing.T) {
	f := newFixture(t, true)
	fund(t, f.sim, f.atlas, 500_000)

	// no routing data: recorded paused
	tx, sender := f.depositTx(t, 70_000, nil)
	require.NoError(t, f.scanner.ScanOnce(context.Background()))
	key := tx.TxHash().String()
	d := f.deposit(t, key)
	require.True(t, d.Paused())

	txid, err := f.engine.Refund(context.Background(), key)
	require.NoError(t, err)
	d = f.deposit(t, key)
	assert.Equal(t, state.DepositRefunding, d.Status)
	assert.Equal(t, txid, d.RefundTxnHash)

	sent := f.sim.Broadcasted()
	require.Len(t, sent, 1)
	refunded, _ := utils.PaymentTo(sent[0], pkScript(t, sender))
	assert.EqualValues(t, 70_000, refunded)

	// a second refund cannot happen
	_, err = f.engine.Refund(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotRefundable)

	// confirmed even though the record is paused
	f.sim.SetConfirmations(txid, 1)
	f.runOnce(t)
	assert.Equal(t, state.DepositRefunded, f.deposit(t, key).Status)

	minted := state.RandDeposit(state.DepositMintedIntoAbtc)
	f.insert(t, minted)
	_, err = f.engine.Refund(context.Background(), minted.Key)
	assert.ErrorIs(t, err, ErrNotRefundable)
	_, err = f.engine.Refund(context.Background(), common.RandTxHash())
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestScanLease(t *testing.T) {
	var l scanLease
	now := time.Now()
	assert.True(t, l.tryAcquire(now, time.Minute))
	assert.False(t, l.tryAcquire(now.Add(time.Second), time.Minute))
	// an expired lease is taken over
	assert.True(t, l.tryAcquire(now.Add(2*time.Minute), time.Minute))
	l.release()
	assert.True(t, l.tryAcquire(now, time.Minute))
}

func TestHeldLeaseSkipsScan(t *testing.T) {
	f := newFixture(t, true)
	d := state.RandDeposit(state.DepositYieldProviderDeposited)
	d.VerifiedCount = 1
	f.insert(t, d)

	require.True(t, f.engine.leases[state.KindDeposit].tryAcquire(time.Now(), time.Hour))
	f.runOnce(t)
	assert.Equal(t, state.DepositYieldProviderDeposited, f.deposit(t, d.Key).Status)

	f.engine.leases[state.KindDeposit].release()
	f.runOnce(t)
	assert.Equal(t, state.DepositPendingMintedIntoAbtc, f.deposit(t, d.Key).Status)
}

// fundSpread gives address four small UTXOs and one large one.
func fundSpread(t *testing.T, f *fixture, address string) {
	for _, amount := range []int64{30_000, 31_000, 32_000, 33_000, 400_000} {
		fund(t, f.sim, address, amount)
	}
}

func TestPayoutsSpendLargestUtxoFirst(t *testing.T) {
	tests := []struct {
		name  string
		yield bool
		run   func(t *testing.T, f *fixture)
	}{
		{"stake", true, func(t *testing.T, f *fixture) {
			d := state.RandDeposit(state.DepositDepositedIntoAtlas)
			d.VerifiedCount = 1
			f.insert(t, d)
			f.runOnce(t)
			assert.Equal(t, state.DepositPendingYieldProviderDeposit, f.deposit(t, d.Key).Status)
		}},
		{"refund", true, func(t *testing.T, f *fixture) {
			d := state.RandDeposit(state.DepositDepositedIntoAtlas)
			d.BtcSender = btcAddress(t)
			f.insert(t, d)
			_, err := f.engine.Refund(context.Background(), d.Key)
			require.NoError(t, err)
		}},
		{"send back", false, func(t *testing.T, f *fixture) {
			r := state.RandRedemption(state.RedemptionPendingRedemptionFromAtlasToUser)
			r.BtcReceivingAddress = btcAddress(t)
			f.insert(t, r)
			f.runOnce(t)
			assert.Equal(t, state.RedemptionPendingMempoolConfirmation, f.redemption(t, r.Key).Status)
		}},
		{"withdraw", true, func(t *testing.T, f *fixture) {
			fundSpread(t, f, f.ypSource)
			r := state.RandRedemption(state.RedemptionPendingYieldProviderWithdraw)
			f.insert(t, r)
			f.runOnce(t)
			assert.Equal(t, state.RedemptionYieldProviderWithdrawing, f.redemption(t, r.Key).Status)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.yield)
			fundSpread(t, f, f.atlas)
			tt.run(t, f)

			sent := f.sim.Broadcasted()
			require.Len(t, sent, 1)
			// smallest first would need at least two inputs
			assert.Len(t, sent[0].TxIn, 1)
		})
	}
}
