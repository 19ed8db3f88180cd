// Package multisig talks to the threshold (MPC) signer and turns its raw
// ECDSA output into signed Bitcoin, EVM and NEAR transactions.
package multisig

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/TEENet-io/atlas-bridge/common"
)

var (
	ErrInvalidSignatureLength = errors.New("reconstructed signature is not 64 bytes")
	ErrNoMatchingCandidate    = errors.New("no recovery candidate matches the expected signer")
	ErrValidation             = errors.New("signed transaction failed validation")
	ErrUnsupportedInput       = errors.New("input script type cannot be signed with ecdsa")
)

// SignResponse is what the MPC signer returns for one payload.
type SignResponse struct {
	BigR struct {
		// compressed R point, hex
		AffinePoint string `json:"affine_point"`
	} `json:"big_r"`
	S struct {
		Scalar string `json:"scalar"`
	} `json:"s"`
	RecoveryID uint8 `json:"recovery_id"`
}

// Signer signs a 32 byte digest with the child key derived for path.
type Signer interface {
	Sign(ctx context.Context, payload [32]byte, path string) (*SignResponse, error)
	// the root key every child key is derived from
	RootPublicKey(ctx context.Context) (*btcec.PublicKey, error)
}

// Signature is a low-S ECDSA signature with its recovery id.
type Signature struct {
	R          [32]byte
	S          [32]byte
	RecoveryID uint8
}

// Reconstruct builds r||s from an MPC response. r is the x coordinate of
// the compressed R point; both halves are left padded to 32 bytes. High S
// values are normalised and the recovery id flipped accordingly.
func Reconstruct(resp *SignResponse) (*Signature, error) {
	affine, err := hex.DecodeString(common.Trim0xPrefix(resp.BigR.AffinePoint))
	if err != nil {
		return nil, fmt.Errorf("big_r: %w", err)
	}
	if len(affine) < 2 {
		return nil, fmt.Errorf("%w: big_r too short", ErrInvalidSignatureLength)
	}
	sBytes, err := hex.DecodeString(common.Trim0xPrefix(resp.S.Scalar))
	if err != nil {
		return nil, fmt.Errorf("s: %w", err)
	}

	r := common.LeftPad32(affine[1:])
	s := common.LeftPad32(sBytes)
	raw := append(append([]byte{}, r...), s...)
	if len(raw) != 64 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSignatureLength, len(raw))
	}

	var sScalar btcec.ModNScalar
	if overflow := sScalar.SetByteSlice(raw[32:]); overflow || sScalar.IsZero() {
		return nil, fmt.Errorf("%w: s out of range", ErrValidation)
	}
	recID := resp.RecoveryID & 1
	if sScalar.IsOverHalfOrder() {
		sScalar.Negate()
		recID ^= 1
	}

	sig := &Signature{RecoveryID: recID}
	copy(sig.R[:], raw[:32])
	sig.S = sScalar.Bytes()
	return sig, nil
}

// Bytes64 is r||s.
func (s *Signature) Bytes64() []byte {
	out := make([]byte, 64)
	copy(out[:32], s.R[:])
	copy(out[32:], s.S[:])
	return out
}

func (s *Signature) ecdsa() (*ecdsa.Signature, error) {
	var r, ss btcec.ModNScalar
	if overflow := r.SetByteSlice(s.R[:]); overflow || r.IsZero() {
		return nil, fmt.Errorf("%w: r out of range", ErrValidation)
	}
	ss.SetByteSlice(s.S[:])
	return ecdsa.NewSignature(&r, &ss), nil
}

// DER encodes the signature for Bitcoin scripts.
func (s *Signature) DER() ([]byte, error) {
	sig, err := s.ecdsa()
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// Verify checks the signature of hash against pub.
func (s *Signature) Verify(hash []byte, pub *btcec.PublicKey) bool {
	sig, err := s.ecdsa()
	if err != nil {
		return false
	}
	return sig.Verify(hash, pub)
}

// compact returns the 65 byte header||r||s form for the given recovery id.
func (s *Signature) compact(recID uint8, compressed bool) []byte {
	header := 27 + recID
	if compressed {
		header += 4
	}
	return append([]byte{header}, s.Bytes64()...)
}

// recoverID finds which recovery id yields pub for hash.
func (s *Signature) recoverID(hash []byte, pub *btcec.PublicKey) (uint8, error) {
	for _, id := range []uint8{0, 1} {
		got, _, err := ecdsa.RecoverCompact(s.compact(id, true), hash)
		if err == nil && got.IsEqual(pub) {
			return id, nil
		}
	}
	return 0, ErrNoMatchingCandidate
}
