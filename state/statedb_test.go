package state

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/database"
)

func newTestDB(t *testing.T) *StateDB {
	st, err := NewMemoryStateDB()
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestFreshFileLedger(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "atlas.db"))
	require.NoError(t, err)
	defer db.Close()

	st, err := NewStateDB(db)
	require.NoError(t, err)
	for _, rec := range []Record{
		RandDeposit(DepositPendingMempool),
		RandRedemption(RedemptionAbtcBurnt),
		RandBridging(BridgingAbtcPendingBurnt),
	} {
		ok, err := st.InsertIfAbsent(rec)
		require.NoError(t, err, rec.Kind().String())
		assert.True(t, ok)
		n, err := st.Count(rec.Kind())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	// table checks hold
	bad := RandDeposit(DepositPendingMempool)
	bad.BtcAmount = 0
	_, err = st.InsertIfAbsent(bad)
	assert.Error(t, err)
	neg := RandRedemption(RedemptionAbtcBurnt)
	neg.ProtocolFee = -1
	_, err = st.InsertIfAbsent(neg)
	assert.Error(t, err)
	st.Close()

	// reopening keeps the rows
	st, err = NewStateDB(db)
	require.NoError(t, err)
	defer st.Close()
	n, err := st.Count(KindBridging)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKV(t *testing.T) {
	st := newTestDB(t)

	_, ok, err := st.GetKeyedValue("key")
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, st.SetKeyedValue("key", "value1"))
	v, ok, err := st.GetKeyedValue("key")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value1", v)

	assert.NoError(t, st.SetKeyedValue("key", "value2"))
	v, _, err = st.GetKeyedValue("key")
	assert.NoError(t, err)
	assert.Equal(t, "value2", v)

	assert.NoError(t, st.SetCursor("421614", 1234))
	h, ok, err := st.GetCursor("421614")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1234), h)
}

func TestInsertIfAbsent(t *testing.T) {
	st := newTestDB(t)

	d := RandDeposit(DepositPendingMempool)
	ok, err := st.InsertIfAbsent(d)
	assert.NoError(t, err)
	assert.True(t, ok)

	// a second insert with the same key is ignored
	dup := *d
	dup.BtcAmount = 1
	ok, err = st.InsertIfAbsent(&dup)
	assert.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetDeposit(d.Key)
	require.NoError(t, err)
	assert.Equal(t, d.BtcAmount, got.BtcAmount)
	assert.Equal(t, d.ReceivingAddress, got.ReceivingAddress)
	assert.Equal(t, DepositPendingMempool, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = st.GetDeposit("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	r := RandRedemption(RedemptionAbtcBurnt)
	ok, err = st.InsertIfAbsent(r)
	assert.NoError(t, err)
	assert.True(t, ok)
	gotR, err := st.GetRedemption(r.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000-500-200), gotR.PayoutAmount())

	b := RandBridging(BridgingAbtcPendingBurnt)
	ok, err = st.InsertIfAbsent(b)
	assert.NoError(t, err)
	assert.True(t, ok)
	gotB, err := st.GetBridging(b.Key)
	require.NoError(t, err)
	assert.Equal(t, "NEAR_TESTNET", gotB.DestChainID)
	assert.Equal(t, int64(40_000-400-100), gotB.MintAmount())
}

func TestAdvanceIsMonotonic(t *testing.T) {
	st := newTestDB(t)
	d := RandDeposit(DepositDepositedIntoAtlas)
	_, err := st.InsertIfAbsent(d)
	require.NoError(t, err)

	yp := "0x" + d.Key
	err = st.Advance(KindDeposit, d.Key, DepositDepositedIntoAtlas, DepositPendingYieldProviderDeposit,
		Fields{"yield_provider_txn_hash": yp})
	require.NoError(t, err)

	got, err := st.GetDeposit(d.Key)
	require.NoError(t, err)
	assert.Equal(t, DepositPendingYieldProviderDeposit, got.Status)
	assert.Equal(t, yp, got.YieldProviderTxnHash)

	// backwards
	err = st.Advance(KindDeposit, d.Key, DepositPendingYieldProviderDeposit, DepositDepositedIntoAtlas, nil)
	assert.ErrorIs(t, err, ErrStatusRegression)

	// stale from
	err = st.Advance(KindDeposit, d.Key, DepositDepositedIntoAtlas, DepositPendingYieldProviderDeposit, nil)
	assert.ErrorIs(t, err, ErrConflict)

	// missing
	err = st.Advance(KindDeposit, "nope", DepositDepositedIntoAtlas, DepositPendingYieldProviderDeposit, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// fees are immutable
	err = st.Advance(KindDeposit, d.Key, DepositPendingYieldProviderDeposit, DepositPendingYieldProviderDeposit,
		Fields{"minting_fee": 1})
	assert.ErrorIs(t, err, ErrColumnNotAllowed)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	st := newTestDB(t)
	d := RandDeposit(DepositMintedIntoAbtc)
	_, err := st.InsertIfAbsent(d)
	require.NoError(t, err)

	err = st.Advance(KindDeposit, d.Key, DepositMintedIntoAbtc, DepositRefunding, nil)
	assert.ErrorIs(t, err, ErrStatusRegression)

	require.NoError(t, st.SetRemarks(KindDeposit, d.Key, DepositMintedIntoAbtc, "x", agreement.RecoverableNone))
	err = st.Rollback(KindDeposit, d.Key, DepositMintedIntoAbtc, DepositYieldProviderDeposited, nil)
	assert.ErrorIs(t, err, ErrStatusRegression)
}

func TestConcurrentAdvanceSingleWinner(t *testing.T) {
	st := newTestDB(t)
	d := RandDeposit(DepositYieldProviderDeposited)
	_, err := st.InsertIfAbsent(d)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.Advance(KindDeposit, d.Key, DepositYieldProviderDeposited, DepositPendingMintedIntoAbtc, nil)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrConflict), err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestRemarksAndRollback(t *testing.T) {
	st := newTestDB(t)
	now := time.UnixMilli(1_700_000_000_000)
	st.now = func() time.Time { return now }

	r := RandRedemption(RedemptionPendingRedemptionFromAtlasToUser)
	_, err := st.InsertIfAbsent(r)
	require.NoError(t, err)

	txid := "aa" + r.Key[:10]
	require.NoError(t, st.Advance(KindRedemption, r.Key, RedemptionPendingRedemptionFromAtlasToUser,
		RedemptionPendingMempoolConfirmation, Fields{"btc_txn_hash": txid}))

	// rollback needs a pause
	err = st.Rollback(KindRedemption, r.Key, RedemptionPendingMempoolConfirmation,
		RedemptionPendingRedemptionFromAtlasToUser, []string{"btc_txn_hash"})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, st.SetRemarks(KindRedemption, r.Key, RedemptionPendingMempoolConfirmation,
		"too-long-mempool-chain", agreement.RecoverableMempoolChainTooLong))

	got, err := st.GetRedemption(r.Key)
	require.NoError(t, err)
	assert.True(t, got.Paused())
	assert.Equal(t, agreement.RecoverableMempoolChainTooLong, got.RemarksKind)
	assert.Equal(t, now.UnixMilli(), got.RemarksAt.UnixMilli())

	paused, err := st.ListPaused(KindRedemption, agreement.RecoverableMempoolChainTooLong, now)
	require.NoError(t, err)
	assert.Len(t, paused, 1)
	paused, err = st.ListPaused(KindRedemption, agreement.RecoverableMempoolChainTooLong, now.Add(-time.Second))
	require.NoError(t, err)
	assert.Len(t, paused, 0)

	require.NoError(t, st.Rollback(KindRedemption, r.Key, RedemptionPendingMempoolConfirmation,
		RedemptionPendingRedemptionFromAtlasToUser, []string{"btc_txn_hash"}))

	got, err = st.GetRedemption(r.Key)
	require.NoError(t, err)
	assert.Equal(t, RedemptionPendingRedemptionFromAtlasToUser, got.Status)
	assert.Empty(t, got.BtcTxnHash)
	assert.False(t, got.Paused())
	assert.Equal(t, agreement.RecoverableNone, got.RemarksKind)
	assert.True(t, got.RemarksAt.IsZero())
}

func TestIncrementVerified(t *testing.T) {
	st := newTestDB(t)
	b := RandBridging(BridgingAbtcPendingBurnt)
	_, err := st.InsertIfAbsent(b)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.IncrementVerified(KindBridging, b.Key, "verified_count", BridgingAbtcPendingBurnt))
	}
	got, err := st.GetBridging(b.Key)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.VerifiedCount)

	err = st.IncrementVerified(KindBridging, b.Key, "verified_count", BridgingAbtcBurnt)
	assert.ErrorIs(t, err, ErrConflict)
	err = st.IncrementVerified(KindBridging, b.Key, "status", BridgingAbtcPendingBurnt)
	assert.ErrorIs(t, err, ErrColumnNotAllowed)
}

func TestListPageAndCount(t *testing.T) {
	st := newTestDB(t)
	var keys []string
	for i := 0; i < 7; i++ {
		d := RandDeposit(Status(i % 3))
		_, err := st.InsertIfAbsent(d)
		require.NoError(t, err)
		keys = append(keys, d.Key)
	}

	n, err := st.Count(KindDeposit)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	var seen []string
	for off := 0; off < n; off += 3 {
		page, err := st.ListPage(KindDeposit, off, 3)
		require.NoError(t, err)
		for _, rec := range page {
			seen = append(seen, rec.Base().Key)
		}
	}
	assert.Equal(t, keys, seen)

	counts, err := st.CountByStatus(KindDeposit)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[DepositPendingMempool])
	assert.Equal(t, 2, counts[DepositDepositedIntoAtlas])
}

func TestMintAppliedOnce(t *testing.T) {
	st := newTestDB(t)
	d := RandDeposit(DepositPendingMintedIntoAbtc)
	_, err := st.InsertIfAbsent(d)
	require.NoError(t, err)

	guard := &Guard{EmptyColumns: []string{"minted_txn_hash"}, NoRemarks: true}
	mint := func(hash string) (bool, error) {
		return st.AdvanceAndMarkProcessed("421614", hash, KindDeposit, d.Key,
			DepositPendingMintedIntoAbtc, DepositMintedIntoAbtc, Fields{"minted_txn_hash": hash}, guard)
	}

	ok, err := mint("0xaaa")
	require.NoError(t, err)
	assert.True(t, ok)

	// replay of the same event is a no-op
	ok, err = mint("0xaaa")
	require.NoError(t, err)
	assert.False(t, ok)

	// a second mint event for the same deposit is rejected and not marked
	_, err = mint("0xbbb")
	assert.ErrorIs(t, err, ErrConflict)
	processed, err := st.IsProcessed("421614", "0xbbb")
	require.NoError(t, err)
	assert.False(t, processed)

	got, err := st.GetDeposit(d.Key)
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", got.MintedTxnHash)
	assert.Equal(t, DepositMintedIntoAbtc, got.Status)
}

func TestWithProcessedInsert(t *testing.T) {
	st := newTestDB(t)
	r := RandRedemption(RedemptionAbtcBurnt)

	ok, err := st.WithProcessed("421614", "0xburn", func(tx *LedgerTx) error {
		_, err := tx.InsertIfAbsent(r)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.MarkProcessed("421614", "0xburn")
	require.NoError(t, err)
	assert.False(t, ok)

	// a failing callback leaves no marker
	_, err = st.WithProcessed("421614", "0xother", func(tx *LedgerTx) error {
		return errors.New("boom")
	})
	assert.Error(t, err)
	processed, err := st.IsProcessed("421614", "0xother")
	require.NoError(t, err)
	assert.False(t, processed)
}
