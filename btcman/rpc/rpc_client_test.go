package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/btcman/utxo"
)

func TestClassify(t *testing.T) {
	chainErr := &btcjson.RPCError{Code: -26, Message: "too-long-mempool-chain, too many unconfirmed ancestors [limit: 25]"}
	err := classify(chainErr)
	assert.Equal(t, agreement.RecoverableMempoolChainTooLong, agreement.RecoverableKindOf(err))
	assert.False(t, agreement.IsTransient(err))

	rejected := &btcjson.RPCError{Code: -26, Message: "bad-txns-inputs-missingorspent"}
	err = classify(rejected)
	assert.Equal(t, agreement.RecoverableNone, agreement.RecoverableKindOf(err))
	assert.False(t, agreement.IsTransient(err))

	err = classify(errors.New("dial tcp 127.0.0.1:18443: connection refused"))
	assert.True(t, agreement.IsTransient(err))

	assert.NoError(t, classify(nil))
}

func TestSimulatedBtcClient(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulatedBtcClient()

	sim.AddUTXO("addr", &utxo.UTXO{TxID: "aa", Amount: 10, Confirmations: 0})
	sim.AddUTXO("addr", &utxo.UTXO{TxID: "bb", Amount: 20, Confirmations: 3})
	us, err := sim.GetUTXOs(ctx, "addr", 1)
	require.NoError(t, err)
	require.Len(t, us, 1)
	assert.Equal(t, "bb", us[0].TxID)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(5, []byte{0x51}))
	txid, err := sim.Broadcast(ctx, tx)
	require.NoError(t, err)

	pool, err := sim.GetMempoolTxIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{txid}, pool)

	h := sim.MineBlock(tx)
	assert.Equal(t, int64(0), h)
	info, err := sim.GetTransaction(ctx, txid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Confirmations)

	pool, err = sim.GetMempoolTxIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pool)

	_, err = sim.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ErrTxNotFound)
}
