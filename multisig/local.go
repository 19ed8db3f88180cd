package multisig

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// LocalSigner holds the root key in process and answers like the MPC
// network would. For development and tests only.
type LocalSigner struct {
	root      *btcec.PrivateKey
	accountID string
}

func NewLocalSigner(rootKey []byte, accountID string) (*LocalSigner, error) {
	if len(rootKey) != 32 {
		return nil, errors.New("local root key must be 32 bytes")
	}
	sk, _ := btcec.PrivKeyFromBytes(rootKey)
	return &LocalSigner{root: sk, accountID: accountID}, nil
}

// If user choose to randomly generate a signer.
func NewRandomLocalSigner(accountID string) (*LocalSigner, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &LocalSigner{root: sk, accountID: accountID}, nil
}

func (ls *LocalSigner) RootPublicKey(context.Context) (*btcec.PublicKey, error) {
	return ls.root.PubKey(), nil
}

func (ls *LocalSigner) Sign(ctx context.Context, payload [32]byte, path string) (*SignResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	child := DeriveChildPrivateKey(ls.root, ls.accountID, path)
	compact := ecdsa.SignCompact(child, payload[:], true)
	// header = 27 + 4 + recid; the parity bit of R's y is recid & 1
	recID := (compact[0] - 27 - 4) & 1

	resp := &SignResponse{RecoveryID: recID}
	resp.BigR.AffinePoint = hex.EncodeToString(append([]byte{0x02 | recID}, compact[1:33]...))
	resp.S.Scalar = hex.EncodeToString(compact[33:])
	return resp, nil
}
