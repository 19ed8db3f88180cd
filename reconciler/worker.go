package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/config"
	"github.com/TEENet-io/atlas-bridge/etherman"
	"github.com/TEENet-io/atlas-bridge/gasfee"
	"github.com/TEENet-io/atlas-bridge/nearman"
	"github.com/TEENet-io/atlas-bridge/state"
)

// TxState is what a destination chain says about a transaction.
type TxState int

const (
	TxPending TxState = iota
	TxSucceeded
	TxFailed
)

// ChainWorker does the interaction with one destination chain. The mint
// calls run claim once the transaction is ready and before it is sent; a
// claim error aborts the mint.
type ChainWorker interface {
	ChainID() string
	MintDeposit(ctx context.Context, d *state.Deposit, claim func() error) error
	MintBridge(ctx context.Context, b *state.Bridging, claim func() error) error
	// sender is only needed by chains that look transactions up by
	// signer; empty means the relayer account
	TxState(ctx context.Context, txHash, sender string) (TxState, error)
}

type evmClient interface {
	ChainID() *big.Int
	ContractAddress() ethcommon.Address
	PendingNonce(ctx context.Context, addr ethcommon.Address) (uint64, error)
	EstimateGas(ctx context.Context, from ethcommon.Address, data []byte) (uint64, error)
	BaseFee(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	WaitForReceipt(ctx context.Context, hash ethcommon.Hash) (*types.Receipt, error)
	ReceiptStatus(ctx context.Context, hash ethcommon.Hash) (bool, bool, error)
}

// ErrMintReverted is returned when a sent mint was mined but failed.
var ErrMintReverted = errors.New("mint transaction reverted")

type evmSigner interface {
	EvmAddress() ethcommon.Address
	SignEvmTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// EvmWorker mints on an EVM chain with a transaction whose gas spends
// exactly the minting fee the user paid.
type EvmWorker struct {
	cfg     *config.ChainConfig
	em      evmClient
	signer  evmSigner
	matcher *gasfee.Matcher

	// held from the nonce read until the transaction is in the pool
	nonceMu sync.Mutex
}

var _ ChainWorker = (*EvmWorker)(nil)

func NewEvmWorker(cfg *config.ChainConfig, em *etherman.Etherman, signer evmSigner, matcher *gasfee.Matcher) *EvmWorker {
	return &EvmWorker{cfg: cfg, em: em, signer: signer, matcher: matcher}
}

func (w *EvmWorker) ChainID() string { return w.cfg.ChainID }

func (w *EvmWorker) MintDeposit(ctx context.Context, d *state.Deposit, claim func() error) error {
	data, err := etherman.PackMintDeposit(d.Key, ethcommon.HexToAddress(d.ReceivingAddress), big.NewInt(d.NetAmount()))
	if err != nil {
		return err
	}
	return w.mint(ctx, data, d.MintingFee, claim)
}

func (w *EvmWorker) MintBridge(ctx context.Context, b *state.Bridging, claim func() error) error {
	_, originTxn, err := agreement.SplitCorrelationKey(b.Key)
	if err != nil {
		return err
	}
	data, err := etherman.PackMintBridge(b.OriginChainID, originTxn, ethcommon.HexToAddress(b.DestChainAddress), big.NewInt(b.MintAmount()))
	if err != nil {
		return err
	}
	return w.mint(ctx, data, b.MintingFee, claim)
}

func (w *EvmWorker) mint(ctx context.Context, data []byte, feeSat int64, claim func() error) error {
	from := w.signer.EvmAddress()

	// 1. price the call
	gas, err := w.em.EstimateGas(ctx, from, data)
	if err != nil {
		return fmt.Errorf("estimate gas: %w", err)
	}
	baseFee, err := w.em.BaseFee(ctx)
	if err != nil {
		return err
	}
	quote, err := w.matcher.Match(ctx, &gasfee.MatchRequest{
		NativeAsset:        w.cfg.NativeAsset,
		MintingFeeSat:      feeSat,
		EstimatedGas:       gas,
		BaseFee:            baseFee,
		GasLimitMultiplier: w.cfg.GasLimitMultiplier,
		BaseFeeMultiplier:  w.cfg.BaseFeeMultiplier,
	})
	if err != nil {
		return err
	}

	// 2. sign, claim and send under one nonce
	signed, err := w.send(ctx, from, quote, data, claim)
	if err != nil {
		return err
	}

	// 3. the mint event sets the hash; only a revert is ours to report
	receipt, err := w.em.WaitForReceipt(ctx, signed.Hash())
	if err != nil {
		logger.WithFields(logger.Fields{"chain": w.cfg.ChainID, "tx": signed.Hash().Hex()}).
			Warnf("mint receipt not seen yet: %v", err)
		return nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrMintReverted, signed.Hash().Hex())
	}
	return nil
}

func (w *EvmWorker) send(ctx context.Context, from ethcommon.Address, quote *gasfee.Quote, data []byte, claim func() error) (*types.Transaction, error) {
	w.nonceMu.Lock()
	defer w.nonceMu.Unlock()

	nonce, err := w.em.PendingNonce(ctx, from)
	if err != nil {
		return nil, err
	}
	signed, err := w.signer.SignEvmTx(ctx, quote.LegacyTx(nonce, w.em.ContractAddress(), data), w.em.ChainID())
	if err != nil {
		return nil, err
	}
	if err := claim(); err != nil {
		return nil, err
	}
	if err := w.em.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (w *EvmWorker) TxState(ctx context.Context, txHash, _ string) (TxState, error) {
	found, ok, err := w.em.ReceiptStatus(ctx, ethcommon.HexToHash(txHash))
	if err != nil {
		return TxPending, err
	}
	switch {
	case !found:
		return TxPending, nil
	case ok:
		return TxSucceeded, nil
	}
	return TxFailed, nil
}

type nearCaller interface {
	CallFunction(ctx context.Context, signer nearman.PayloadSigner, call *nearman.FunctionCall) (string, error)
	TxStatus(ctx context.Context, txHash, senderID string) (*nearman.TxOutcome, error)
}

// NearWorker mints on NEAR through function calls signed with the
// MPC-derived relayer key.
type NearWorker struct {
	cfg    *config.ChainConfig
	client nearCaller
	signer nearman.PayloadSigner
}

var _ ChainWorker = (*NearWorker)(nil)

func NewNearWorker(cfg *config.ChainConfig, client *nearman.Client, signer nearman.PayloadSigner) *NearWorker {
	return &NearWorker{cfg: cfg, client: client, signer: signer}
}

func (w *NearWorker) ChainID() string { return w.cfg.ChainID }

func (w *NearWorker) MintDeposit(ctx context.Context, d *state.Deposit, claim func() error) error {
	return w.call(ctx, "mint_deposit", map[string]string{
		"btc_txn_hash": d.Key,
		"receiver_id":  d.ReceivingAddress,
		"amount":       strconv.FormatInt(d.NetAmount(), 10),
	}, claim)
}

func (w *NearWorker) MintBridge(ctx context.Context, b *state.Bridging, claim func() error) error {
	_, originTxn, err := agreement.SplitCorrelationKey(b.Key)
	if err != nil {
		return err
	}
	return w.call(ctx, "mint_bridge", map[string]string{
		"origin_chain_id": b.OriginChainID,
		"origin_txn_hash": originTxn,
		"receiver_id":     b.DestChainAddress,
		"amount":          strconv.FormatInt(b.MintAmount(), 10),
	}, claim)
}

func (w *NearWorker) call(ctx context.Context, method string, args interface{}, claim func() error) error {
	if err := claim(); err != nil {
		return err
	}
	txHash, err := w.client.CallFunction(ctx, w.signer, &nearman.FunctionCall{
		SignerID:   w.cfg.NearAccountID,
		ReceiverID: w.cfg.ContractAddress,
		Method:     method,
		Args:       args,
		Gas:        w.cfg.NearGas,
		Deposit:    big.NewInt(0),
	})
	if err != nil {
		return fmt.Errorf("near %s %s: %w", method, txHash, err)
	}
	logger.WithFields(logger.Fields{"chain": w.cfg.ChainID, "method": method, "tx": txHash}).Info("near mint sent")
	return nil
}

func (w *NearWorker) TxState(ctx context.Context, txHash, sender string) (TxState, error) {
	if sender == "" {
		sender = w.cfg.NearAccountID
	}
	outcome, err := w.client.TxStatus(ctx, txHash, sender)
	if errors.Is(err, nearman.ErrTxNotFound) {
		return TxPending, nil
	}
	if err != nil {
		return TxPending, err
	}
	if outcome.Status.Succeeded() {
		return TxSucceeded, nil
	}
	return TxFailed, nil
}
