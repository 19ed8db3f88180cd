/*
This file contains low-level custom data structures used across the program related to bitcoin.
  - ScriptType: the locking script family of a UTXO, which decides how a PSBT input is described.
  - UTXO, the unspent transaction output.
*/
package utxo

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ScriptType is the locking script family of an output.
type ScriptType int

const (
	// anything else: P2PKH, P2SH, bare scripts
	ScriptLegacy ScriptType = iota
	// OP_0 <20 bytes>, hex prefix 0014
	ScriptSegwit
	// OP_1 <32 bytes>, hex prefix 5120
	ScriptTaproot
)

func (t ScriptType) String() string {
	switch t {
	case ScriptSegwit:
		return "segwit"
	case ScriptTaproot:
		return "taproot"
	}
	return "legacy"
}

var (
	segwitPrefix  = []byte{0x00, 0x14}
	taprootPrefix = []byte{0x51, 0x20}
)

// Classify looks only at the script prefix.
func Classify(pkScript []byte) ScriptType {
	switch {
	case bytes.HasPrefix(pkScript, taprootPrefix):
		return ScriptTaproot
	case bytes.HasPrefix(pkScript, segwitPrefix):
		return ScriptSegwit
	}
	return ScriptLegacy
}

// Represents the unspent transaction output (UTXO)
// in our program
type UTXO struct {
	TxID          string // Identifier, human readable
	Vout          uint32 // exact index of the Tx's outputs to be spent
	Amount        int64  // in satoshi
	PkScript      []byte // Locking Script itself
	Confirmations int64
}

func (u *UTXO) Hash() (*chainhash.Hash, error) {
	return chainhash.NewHashFromStr(u.TxID)
}

func (u *UTXO) ScriptType() ScriptType {
	return Classify(u.PkScript)
}

// Return a human-readable amount in BTC
// eg. 1e8 (satoshi) = 1.0 (BTC)
func (u *UTXO) AmountHuman() float64 {
	return float64(u.Amount) / 1e8
}

func Sum(utxos []*UTXO) int64 {
	var sum int64
	for _, u := range utxos {
		sum += u.Amount
	}
	return sum
}
