package gasfee

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const cacheSize = 64

// CachedOracle serves prices from a TTL cache. Concurrent misses on the same
// pair share one upstream request, so the upstream sees at most one call
// per pair per TTL.
type CachedOracle struct {
	inner PriceOracle
	cache *expirable.LRU[string, decimal.Decimal]
	group singleflight.Group
}

func NewCachedOracle(inner PriceOracle, ttl time.Duration) *CachedOracle {
	return &CachedOracle{
		inner: inner,
		cache: expirable.NewLRU[string, decimal.Decimal](cacheSize, nil, ttl),
	}
}

func pairKey(asset, vs string) string {
	return strings.ToUpper(asset) + "/" + strings.ToLower(vs)
}

func (c *CachedOracle) GetPrice(ctx context.Context, asset, vs string) (decimal.Decimal, error) {
	key := pairKey(asset, vs)
	if p, ok := c.cache.Get(key); ok {
		return p, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if p, ok := c.cache.Get(key); ok {
			return p, nil
		}
		p, err := c.inner.GetPrice(ctx, asset, vs)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, p)
		logger.WithFields(logger.Fields{"pair": key, "price": p.String()}).Debug("price refreshed")
		return p, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}
