// Package gasfee prices the pre-committed minting fee of a deposit in the
// destination chain's native gas.
package gasfee

import (
	"context"
	"fmt"
	"strings"
	"time"

	resty "github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/common"
)

const (
	AssetBTC = "BTC"
	USD      = "usd"
)

// PriceOracle returns the price of one unit of asset in vs.
type PriceOracle interface {
	GetPrice(ctx context.Context, asset, vs string) (decimal.Decimal, error)
}

// CoinGeckoOracle reads the simple/price endpoint.
type CoinGeckoOracle struct {
	client *resty.Client
}

func NewCoinGeckoOracle(baseURL string, timeout time.Duration, retries int) *CoinGeckoOracle {
	return &CoinGeckoOracle{client: common.NewRestClient(baseURL, timeout, retries)}
}

func coingeckoID(symbol string) string {
	ids := map[string]string{
		"BTC":   "bitcoin",
		"ETH":   "ethereum",
		"POL":   "polygon-ecosystem-token",
		"MATIC": "matic-network",
		"BNB":   "binancecoin",
		"NEAR":  "near",
	}
	if id, ok := ids[strings.ToUpper(symbol)]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

func (o *CoinGeckoOracle) GetPrice(ctx context.Context, asset, vs string) (decimal.Decimal, error) {
	id := coingeckoID(asset)
	vs = strings.ToLower(vs)

	var prices map[string]map[string]decimal.Decimal
	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"ids": id, "vs_currencies": vs}).
		ForceContentType("application/json").
		SetResult(&prices).
		Get("/simple/price")
	if err != nil {
		if common.Answered(resp) {
			return decimal.Zero, fmt.Errorf("failed to decode response: %w", err)
		}
		return decimal.Zero, agreement.Transient(err)
	}
	if resp.IsError() {
		err := fmt.Errorf("coingecko status %d", resp.StatusCode())
		if common.IsBusyStatus(resp.StatusCode()) {
			return decimal.Zero, agreement.Transient(err)
		}
		return decimal.Zero, err
	}

	price, ok := prices[id][vs]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no %s price for %s", vs, asset)
	}
	return price, nil
}
