package gasfee

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/agreement"
)

var (
	ErrGasPriceBelowBaseFee = errors.New("matched gas price is below the network base fee")
	ErrBadMultiplier        = errors.New("gas multipliers must be at least 1")
	ErrNoFee                = errors.New("minting fee must be positive")
)

// satoshi -> wei is 1e-8 BTC -> 1e18 wei of the native asset
var satToWeiScale = decimal.New(1, 10)

// MatchRequest describes one mint call to be priced.
type MatchRequest struct {
	NativeAsset   string
	MintingFeeSat int64
	EstimatedGas  uint64
	BaseFee       *big.Int
	// safety multipliers, 1.1 to 1.2 in practice
	GasLimitMultiplier float64
	BaseFeeMultiplier  float64
}

// Quote is a gas price and limit whose product spends the minting fee.
type Quote struct {
	GasLimit      uint64
	GasPrice      *big.Int
	MintingFeeWei *big.Int
	// base fee after inflation
	BaseFee *big.Int
}

// Cost is what the quoted transaction pays at most.
func (q *Quote) Cost() *big.Int {
	return new(big.Int).Mul(q.GasPrice, new(big.Int).SetUint64(q.GasLimit))
}

// LegacyTx returns an unsigned transaction priced by the quote.
func (q *Quote) LegacyTx(nonce uint64, to ethcommon.Address, data []byte) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      q.GasLimit,
		GasPrice: new(big.Int).Set(q.GasPrice),
		Value:    big.NewInt(0),
		Data:     data,
	})
}

type Matcher struct {
	oracle PriceOracle
}

func NewMatcher(oracle PriceOracle) *Matcher {
	return &Matcher{oracle: oracle}
}

// FeeInWei converts a satoshi amount into wei of the native asset.
func (m *Matcher) FeeInWei(ctx context.Context, sat int64, nativeAsset string) (*big.Int, error) {
	btcUsd, err := m.oracle.GetPrice(ctx, AssetBTC, USD)
	if err != nil {
		return nil, fmt.Errorf("btc price: %w", err)
	}
	nativeUsd, err := m.oracle.GetPrice(ctx, nativeAsset, USD)
	if err != nil {
		return nil, fmt.Errorf("%s price: %w", nativeAsset, err)
	}
	if !nativeUsd.IsPositive() {
		return nil, fmt.Errorf("non-positive %s price", nativeAsset)
	}
	wei := decimal.NewFromInt(sat).Mul(btcUsd).Mul(satToWeiScale).Div(nativeUsd).Floor()
	return wei.BigInt(), nil
}

func inflate(v *big.Int, mult float64) *big.Int {
	return decimal.NewFromBigInt(v, 0).Mul(decimal.NewFromFloat(mult)).Ceil().BigInt()
}

// Match spends the whole minting fee on gas: gasPrice = feeWei / gasLimit.
// It fails with ErrGasPriceBelowBaseFee, tagged recoverable, when that
// price cannot cover the inflated base fee.
func (m *Matcher) Match(ctx context.Context, req *MatchRequest) (*Quote, error) {
	if req.MintingFeeSat <= 0 {
		return nil, ErrNoFee
	}
	if req.GasLimitMultiplier < 1 || req.BaseFeeMultiplier < 1 {
		return nil, ErrBadMultiplier
	}

	feeWei, err := m.FeeInWei(ctx, req.MintingFeeSat, req.NativeAsset)
	if err != nil {
		return nil, err
	}

	gasLimit := inflate(new(big.Int).SetUint64(req.EstimatedGas), req.GasLimitMultiplier)
	if gasLimit.Sign() == 0 {
		return nil, errors.New("estimated gas is zero")
	}
	baseFee := big.NewInt(0)
	if req.BaseFee != nil {
		baseFee = inflate(req.BaseFee, req.BaseFeeMultiplier)
	}
	gasPrice := new(big.Int).Div(feeWei, gasLimit)

	if gasPrice.Cmp(baseFee) < 0 {
		logger.WithFields(logger.Fields{
			"asset":    req.NativeAsset,
			"feeSat":   req.MintingFeeSat,
			"gasPrice": gasPrice.String(),
			"baseFee":  baseFee.String(),
		}).Warn("minting fee does not cover base fee")
		return nil, agreement.Recoverable(agreement.RecoverableGasBelowBaseFee,
			fmt.Errorf("%w: %s < %s", ErrGasPriceBelowBaseFee, gasPrice, baseFee))
	}

	return &Quote{
		GasLimit:      gasLimit.Uint64(),
		GasPrice:      gasPrice,
		MintingFeeWei: feeWei,
		BaseFee:       baseFee,
	}, nil
}
