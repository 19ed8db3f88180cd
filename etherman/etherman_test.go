package etherman

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/common"
	"github.com/TEENet-io/atlas-bridge/config"
)

var receiptCfg = ReceiptConfig{Timeout: 5 * time.Second, MaxAttempts: 10}

func chainConfig(confirmations uint64) *config.ChainConfig {
	return &config.ChainConfig{
		ChainID:         SimulatedChainID.String(),
		ContractAddress: common.RandEthAddress().Hex(),
		Confirmations:   confirmations,
	}
}

func newTestEtherman(t *testing.T, confirmations uint64) (*Etherman, *SimulatedChain) {
	sim := NewSimulatedChain(2)
	t.Cleanup(func() { sim.Backend.Close() })
	em, err := NewEthermanWithClient(context.Background(), sim.Backend.Client(), chainConfig(confirmations), receiptCfg)
	require.NoError(t, err)
	return em, sim
}

func TestChainIDMismatch(t *testing.T) {
	sim := NewSimulatedChain(1)
	defer sim.Backend.Close()
	cfg := chainConfig(0)
	cfg.ChainID = "421614"
	_, err := NewEthermanWithClient(context.Background(), sim.Backend.Client(), cfg, receiptCfg)
	assert.ErrorIs(t, err, ErrChainIDMismatch)
}

func TestSendAndWaitForReceipt(t *testing.T) {
	em, sim := newTestEtherman(t, 2)
	ctx := context.Background()
	from := sim.Address(0)

	nonce, err := em.PendingNonce(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)

	baseFee, err := em.BaseFee(ctx)
	require.NoError(t, err)
	assert.True(t, baseFee.Sign() > 0)

	to := sim.Address(1)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      21_000,
		GasPrice: new(big.Int).Mul(baseFee, big.NewInt(2)),
		Value:    big.NewInt(1),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(em.ChainID()), sim.Keys[0])
	require.NoError(t, err)

	found, _, err := em.ReceiptStatus(ctx, signed.Hash())
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, em.SendTransaction(ctx, signed))
	sim.Backend.Commit()

	receipt, err := em.WaitForReceipt(ctx, signed.Hash())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	found, success, err := em.ReceiptStatus(ctx, signed.Hash())
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, success)

	nonce, err = em.PendingNonce(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}

func TestSendErrorClassification(t *testing.T) {
	tests := []struct {
		msg      string
		baseFee  bool
		notFound bool
	}{
		{"max fee per gas less than block base fee: address 0xabc, maxFeePerGas: 1, baseFee: 7", true, false},
		{"replacement transaction underpriced", false, false},
		{"transaction underpriced: tip needed 1, tip permitted 0", false, false},
		{"nonce too low", false, false},
		{"transaction indexing is in progress", false, true},
		{ethereum.NotFound.Error(), false, false},
	}
	for _, tt := range tests {
		err := errors.New(tt.msg)
		assert.Equal(t, tt.baseFee, belowBaseFee(err), tt.msg)
		assert.Equal(t, tt.notFound, receiptPending(err), tt.msg)
	}
	assert.True(t, receiptPending(ethereum.NotFound))
}

type rejectingClient struct {
	simulated.Client
	err error
}

func (c *rejectingClient) SendTransaction(context.Context, *types.Transaction) error {
	return c.err
}

func TestReplacementIsNotBelowBaseFee(t *testing.T) {
	sim := NewSimulatedChain(1)
	defer sim.Backend.Close()
	client := &rejectingClient{Client: sim.Backend.Client()}
	em, err := NewEthermanWithClient(context.Background(), client, chainConfig(0), receiptCfg)
	require.NoError(t, err)
	tx := types.NewTx(&types.LegacyTx{Nonce: 0, Gas: 21_000, GasPrice: big.NewInt(1)})

	client.err = errors.New("replacement transaction underpriced")
	err = em.SendTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.Equal(t, agreement.RecoverableNone, agreement.RecoverableKindOf(err))

	client.err = errors.New("max fee per gas less than block base fee")
	err = em.SendTransaction(context.Background(), tx)
	assert.Equal(t, agreement.RecoverableGasBelowBaseFee, agreement.RecoverableKindOf(err))
}

func TestWaitForReceiptGivesUp(t *testing.T) {
	sim := NewSimulatedChain(1)
	defer sim.Backend.Close()
	em, err := NewEthermanWithClient(context.Background(), sim.Backend.Client(), chainConfig(0),
		ReceiptConfig{Timeout: 300 * time.Millisecond, MaxAttempts: 2})
	require.NoError(t, err)

	_, err = em.WaitForReceipt(context.Background(), ethcommon.HexToHash(common.RandTxHash()))
	assert.ErrorIs(t, err, ErrReceiptTimeout)
}

func TestLatestFinalizedBlock(t *testing.T) {
	em, sim := newTestEtherman(t, 2)
	ctx := context.Background()

	n, err := em.LatestFinalizedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	for i := 0; i < 5; i++ {
		sim.Backend.Commit()
	}
	head, err := sim.Backend.Client().BlockNumber(ctx)
	require.NoError(t, err)
	n, err = em.LatestFinalizedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, head-2, n)
}

// logClient serves canned logs on top of a simulated node.
type logClient struct {
	simulated.Client
	logs []types.Log
}

func (c *logClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return c.logs, nil
}

func TestGetPastEvents(t *testing.T) {
	sim := NewSimulatedChain(1)
	defer sim.Backend.Close()
	cfg := chainConfig(0)
	contract := ethcommon.HexToAddress(cfg.ContractAddress)
	wallet := common.RandEthAddress()

	mint, err := EventLog(contract, EventMintDeposit, wallet, big.NewInt(99_000), "ab12")
	require.NoError(t, err)
	burn, err := EventLog(contract, EventBurnRedeem, wallet, "bc1qxyz", big.NewInt(5_000))
	require.NoError(t, err)
	bridgeMint, err := EventLog(contract, EventMintBridge, wallet, "NEAR_TESTNET", "0xfeed", big.NewInt(7))
	require.NoError(t, err)
	bridgeBurn, err := EventLog(contract, EventBurnBridge, wallet, big.NewInt(8), "NEAR_TESTNET", "alice.near")
	require.NoError(t, err)
	unrelated := types.Log{Address: contract, Topics: []ethcommon.Hash{ethcommon.HexToHash("0x01")}}
	removed := mint
	removed.Removed = true

	client := &logClient{Client: sim.Backend.Client(), logs: []types.Log{mint, unrelated, burn, bridgeMint, bridgeBurn, removed}}
	em, err := NewEthermanWithClient(context.Background(), client, cfg, receiptCfg)
	require.NoError(t, err)

	events, err := em.GetPastEvents(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 4)

	md := events[0].(*MintDepositEvent)
	assert.Equal(t, wallet, md.Wallet)
	assert.Equal(t, "ab12", md.BtcTxnHash)
	assert.Equal(t, big.NewInt(99_000), md.Amount)

	br := events[1].(*BurnRedeemEvent)
	assert.Equal(t, "bc1qxyz", br.BtcAddress)
	assert.Equal(t, big.NewInt(5_000), br.Amount)

	mb := events[2].(*MintBridgeEvent)
	assert.Equal(t, "NEAR_TESTNET", mb.OriginChainId)
	assert.Equal(t, "0xfeed", mb.OriginTxnHash)

	bb := events[3].(*BurnBridgeEvent)
	assert.Equal(t, "alice.near", bb.DestAddress)
	assert.Equal(t, big.NewInt(8), bb.Amount)
	assert.Equal(t, EventBurnBridge, bb.Name())
}

func TestPackMint(t *testing.T) {
	data, err := PackMintDeposit("ab12", common.RandEthAddress(), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, abtcABI.Methods["mintDeposit"].ID, data[:4])

	data, err = PackMintBridge("421614", "0xfeed", common.RandEthAddress(), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, abtcABI.Methods["mintBridge"].ID, data[:4])
}
