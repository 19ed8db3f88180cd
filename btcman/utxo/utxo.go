/*
This file contains filter/select operations on UTXO.
*/
package utxo

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Size approximation of one P2WPKH/P2TR input, one output and the fixed
// transaction overhead, in vbytes.
const (
	InputVBytes    = 68
	OutputVBytes   = 34
	OverheadVBytes = 100
)

// EstimateFee returns ceil(feeRate * (68*nIn + 34*nOut + 100)) satoshis
// for a fee rate given in sat/vB.
func EstimateFee(feeRate float64, nIn, nOut int) int64 {
	vbytes := InputVBytes*nIn + OutputVBytes*nOut + OverheadVBytes
	return int64(math.Ceil(feeRate * float64(vbytes)))
}

type Order int

const (
	// smallest first, for builders topping up a small balance
	Ascending Order = iota
	// largest first, for builders paying out several outputs
	Descending
)

// Selection is the result of SelectUtxo.
type Selection struct {
	Selected []*UTXO
	Total    int64
	Fee      int64
}

// SelectUtxo sorts inputs by value in the given order and accumulates them
// until total >= amount + estimated fee. nOut is the number of outputs the
// final transaction will carry. It stops at the first sufficient prefix.
func SelectUtxo(inputs []*UTXO, amount int64, feeRate float64, nOut int, order Order) (*Selection, error) {
	if amount < 0 {
		return nil, fmt.Errorf("negative amount %d", amount)
	}
	sorted := make([]*UTXO, len(inputs))
	copy(sorted, inputs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if order == Descending {
			return sorted[i].Amount > sorted[j].Amount
		}
		return sorted[i].Amount < sorted[j].Amount
	})

	var total int64
	for idx, item := range sorted {
		total += item.Amount
		fee := EstimateFee(feeRate, idx+1, nOut)
		if total >= amount+fee {
			return &Selection{
				Selected: sorted[:idx+1],
				Total:    total,
				Fee:      fee,
			}, nil
		}
	}

	need := amount + EstimateFee(feeRate, len(sorted), nOut)
	return nil, fmt.Errorf("%w: have %d sat in %d utxos, need %d sat", ErrInsufficientFunds, total, len(sorted), need)
}
