package utils

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PaymentTo sums the outputs of tx locked by pkScript and returns the
// index of the first one, or -1.
func PaymentTo(tx *wire.MsgTx, pkScript []byte) (int64, int) {
	var (
		sum   int64
		first = -1
	)
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			sum += out.Value
			if first < 0 {
				first = i
			}
		}
	}
	return sum, first
}

// SpendsFrom reports whether any input of tx is unlocked by the key whose
// hash160 is pkHash, judged from the witness (P2WPKH) or the signature
// script (P2PKH) alone.
func SpendsFrom(tx *wire.MsgTx, pkHash []byte) bool {
	for _, in := range tx.TxIn {
		if len(in.Witness) == 2 && bytes.Equal(btcutil.Hash160(in.Witness[1]), pkHash) {
			return true
		}
		if len(in.SignatureScript) > 0 {
			pushes, err := pushedData(in.SignatureScript)
			if err == nil && len(pushes) == 2 && bytes.Equal(btcutil.Hash160(pushes[1]), pkHash) {
				return true
			}
		}
	}
	return false
}

func pushedData(script []byte) ([][]byte, error) {
	var out [][]byte
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if data := tokenizer.Data(); data != nil {
			out = append(out, data)
		}
	}
	return out, tokenizer.Err()
}
