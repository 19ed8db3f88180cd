// Global agreement on types shared by the chain adapters and the settlement core.

package agreement

import (
	"fmt"
	"strings"
)

// ChainType is the family a configured chain belongs to.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "BTC"
	ChainTypeEVM     ChainType = "EVM"
	ChainTypeNEAR    ChainType = "NEAR"
)

func (c ChainType) Valid() bool {
	switch c {
	case ChainTypeBitcoin, ChainTypeEVM, ChainTypeNEAR:
		return true
	}
	return false
}

// CorrelationKey joins a burn observed on an origin chain with the
// records and payments it produces on other chains.
func CorrelationKey(chainID, txnHash string) string {
	return chainID + "," + txnHash
}

// SplitCorrelationKey is the inverse of CorrelationKey.
func SplitCorrelationKey(key string) (chainID string, txnHash string, err error) {
	idx := strings.LastIndex(key, ",")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("malformed correlation key %q", key)
	}
	return key[:idx], key[idx+1:], nil
}
