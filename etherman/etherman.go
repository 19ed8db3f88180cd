// Package etherman is the client of one EVM destination chain and its aBTC
// contract.
package etherman

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/config"
)

var (
	ErrChainIDMismatch = errors.New("node chain id differs from configuration")
	ErrMalformedLog    = errors.New("malformed contract log")
	ErrReceiptTimeout  = errors.New("transaction receipt not available in time")
	ErrNoBaseFee       = errors.New("latest header has no base fee")
)

type ethereumClient interface {
	ethereum.ChainReader
	ethereum.GasEstimator
	ethereum.LogFilterer
	ethereum.PendingStateReader
	ethereum.TransactionReader
	ethereum.TransactionSender

	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

type ReceiptConfig struct {
	Timeout     time.Duration
	MaxAttempts uint64
}

type Etherman struct {
	ethClient     ethereumClient
	chainID       *big.Int
	contract      ethcommon.Address
	confirmations uint64
	receipt       ReceiptConfig
}

func NewEtherman(ctx context.Context, cfg *config.ChainConfig, receipt ReceiptConfig) (*Etherman, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	return NewEthermanWithClient(ctx, client, cfg, receipt)
}

// NewEthermanWithClient checks that the node serves the configured chain.
func NewEthermanWithClient(ctx context.Context, client ethereumClient, cfg *config.ChainConfig, receipt ReceiptConfig) (*Etherman, error) {
	want, ok := new(big.Int).SetString(cfg.ChainID, 10)
	if !ok {
		return nil, fmt.Errorf("chain id %q is not numeric", cfg.ChainID)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		return nil, agreement.Transient(err)
	}
	if got.Cmp(want) != 0 {
		return nil, fmt.Errorf("%w: node %s, config %s", ErrChainIDMismatch, got, want)
	}

	logger.WithFields(logger.Fields{
		"chain":    cfg.ChainID,
		"contract": cfg.ContractAddress,
	}).Info("connected to evm chain")

	return &Etherman{
		ethClient:     client,
		chainID:       got,
		contract:      ethcommon.HexToAddress(cfg.ContractAddress),
		confirmations: cfg.Confirmations,
		receipt:       receipt,
	}, nil
}

func (etherman *Etherman) ChainID() *big.Int {
	return new(big.Int).Set(etherman.chainID)
}

func (etherman *Etherman) ContractAddress() ethcommon.Address {
	return etherman.contract
}

// LatestFinalizedBlock is head minus the configured confirmations, or the
// node's finalized tag when no confirmation depth is configured.
func (etherman *Etherman) LatestFinalizedBlock(ctx context.Context) (uint64, error) {
	if etherman.confirmations > 0 {
		head, err := etherman.ethClient.BlockNumber(ctx)
		if err != nil {
			return 0, agreement.Transient(err)
		}
		if head < etherman.confirmations {
			return 0, nil
		}
		return head - etherman.confirmations, nil
	}

	h, err := etherman.ethClient.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
	if err != nil {
		return 0, agreement.Transient(err)
	}
	return h.Number.Uint64(), nil
}

// GetPastEvents returns the aBTC events emitted in [from, to], in log order.
func (etherman *Etherman) GetPastEvents(ctx context.Context, from, to uint64) ([]Event, error) {
	logs, err := etherman.ethClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []ethcommon.Address{etherman.contract},
	})
	if err != nil {
		return nil, agreement.Transient(err)
	}

	events := make([]Event, 0, len(logs))
	for _, vlog := range logs {
		if vlog.Removed {
			continue
		}
		ev, err := decodeLog(vlog)
		if err != nil {
			return nil, fmt.Errorf("decode log %s#%d: %w", vlog.TxHash.Hex(), vlog.Index, err)
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (etherman *Etherman) PendingNonce(ctx context.Context, addr ethcommon.Address) (uint64, error) {
	nonce, err := etherman.ethClient.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, agreement.Transient(err)
	}
	return nonce, nil
}

// EstimateGas estimates a call of the aBTC contract from from.
func (etherman *Etherman) EstimateGas(ctx context.Context, from ethcommon.Address, data []byte) (uint64, error) {
	return etherman.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &etherman.contract,
		Data: data,
	})
}

// BaseFee of the latest block.
func (etherman *Etherman) BaseFee(ctx context.Context) (*big.Int, error) {
	h, err := etherman.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, agreement.Transient(err)
	}
	if h.BaseFee == nil {
		return nil, ErrNoBaseFee
	}
	return h.BaseFee, nil
}

func (etherman *Etherman) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := etherman.ethClient.SendTransaction(ctx, tx); err != nil {
		err = fmt.Errorf("send %s: %w", tx.Hash().Hex(), err)
		if belowBaseFee(err) {
			return agreement.Recoverable(agreement.RecoverableGasBelowBaseFee, err)
		}
		return err
	}
	logger.WithFields(logger.Fields{
		"chain": etherman.chainID.String(),
		"tx":    tx.Hash().Hex(),
		"nonce": tx.Nonce(),
	}).Info("evm transaction sent")
	return nil
}

// errFeeCapTooLow is the txpool's answer for a fee cap under the current
// base fee. Other underpriced answers, a replaced nonce among them, are
// not a base fee problem.
const errFeeCapTooLow = "max fee per gas less than block base fee"

func belowBaseFee(err error) bool {
	return strings.Contains(err.Error(), errFeeCapTooLow)
}

// receiptPending reports whether a receipt lookup failed only because
// the transaction is not (yet) visible to the node.
func receiptPending(err error) bool {
	return errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), "transaction indexing is in progress")
}

// WaitForReceipt polls with exponential backoff until the receipt shows
// up, the attempts run out or the timeout passes.
func (etherman *Etherman) WaitForReceipt(ctx context.Context, hash ethcommon.Hash) (*types.Receipt, error) {
	if etherman.receipt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, etherman.receipt.Timeout)
		defer cancel()
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxInterval = 10 * time.Second
	var policy backoff.BackOff = exp
	if etherman.receipt.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(exp, etherman.receipt.MaxAttempts)
	}

	// unknown and still-indexing lookups are retried like node errors
	var receipt *types.Receipt
	err := backoff.Retry(func() error {
		r, err := etherman.ethClient.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrReceiptTimeout, hash.Hex(), err)
	}
	return receipt, nil
}

// ReceiptStatus reports whether hash is mined and whether it succeeded.
func (etherman *Etherman) ReceiptStatus(ctx context.Context, hash ethcommon.Hash) (found bool, success bool, err error) {
	r, err := etherman.ethClient.TransactionReceipt(ctx, hash)
	if err != nil && receiptPending(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, agreement.Transient(err)
	}
	return true, r.Status == types.ReceiptStatusSuccessful, nil
}
