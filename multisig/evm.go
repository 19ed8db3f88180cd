package multisig

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignEvmTx signs tx for chainID with the evm child key. The signer does not
// tell which recovery id belongs to the key, so both are tried against the
// expected sender.
func (c *Coordinator) SignEvmTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(chainID)
	h := signer.Hash(tx)

	sig, err := c.sign(ctx, h.Bytes(), c.evmPath)
	if err != nil {
		return nil, err
	}

	want := c.EvmAddress()
	var (
		signed *types.Transaction
		recID  byte
	)
	for _, v := range []byte{0, 1} {
		candidate, err := tx.WithSignature(signer, append(sig.Bytes64(), v))
		if err != nil {
			continue
		}
		from, err := types.Sender(signer, candidate)
		if err == nil && from == want {
			signed, recID = candidate, v
			break
		}
	}
	if signed == nil {
		return nil, ErrNoMatchingCandidate
	}

	_, r, s := signed.RawSignatureValues()
	if !crypto.ValidateSignatureValues(recID, r, s, true) {
		return nil, fmt.Errorf("%w: signature values out of range", ErrValidation)
	}
	if signed.Hash() == tx.Hash() || signed.Nonce() != tx.Nonce() {
		return nil, fmt.Errorf("%w: signed transaction does not match the request", ErrValidation)
	}
	if signed.ChainId().Sign() != 0 && signed.ChainId().Cmp(chainID) != 0 {
		return nil, fmt.Errorf("%w: chain id %s, want %s", ErrValidation, signed.ChainId(), chainID)
	}
	return signed, nil
}
