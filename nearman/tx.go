package nearman

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/near/borsh-go"
	logger "github.com/sirupsen/logrus"
)

const (
	keyTypeSecp256k1    uint8 = 1
	actionFunctionCall  uint8 = 2
	secp256k1KeyPrefix        = "secp256k1:"
	secp256k1PubKeySize       = 64
)

var ErrBadPublicKey = errors.New("secp256k1 public key must be 64 bytes")

// PayloadSigner signs NEAR transaction hashes with the relayer key.
type PayloadSigner interface {
	NearPublicKey() []byte
	SignNearPayload(ctx context.Context, payload [32]byte) ([]byte, error)
}

// The borsh layouts below mirror NEAR's enums: a one byte variant tag
// followed by the variant's fields.

type publicKey struct {
	KeyType uint8
	Data    [64]byte
}

type functionCallAction struct {
	Kind    uint8
	Method  string
	Args    []byte
	Gas     uint64
	Deposit [16]byte // u128 little endian
}

type transaction struct {
	SignerID   string
	PublicKey  publicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []functionCallAction
}

// EncodePublicKey renders a 64 byte secp256k1 key the way NEAR prints it.
func EncodePublicKey(pub []byte) string {
	return secp256k1KeyPrefix + base58.Encode(pub)
}

func u128LE(v *big.Int) [16]byte {
	var out [16]byte
	if v == nil {
		return out
	}
	be := v.FillBytes(make([]byte, 16))
	for i := 0; i < 16; i++ {
		out[i] = be[15-i]
	}
	return out
}

// FunctionCall is one contract call to be signed and sent.
type FunctionCall struct {
	SignerID   string
	ReceiverID string
	Method     string
	Args       interface{}
	Gas        uint64
	Deposit    *big.Int // yoctoNEAR
}

// BuildTransaction returns the borsh bytes of the unsigned transaction and
// the sha256 hash that gets signed.
func BuildTransaction(call *FunctionCall, pub []byte, nonce uint64, blockHash [32]byte) ([]byte, [32]byte, error) {
	if len(pub) != secp256k1PubKeySize {
		return nil, [32]byte{}, ErrBadPublicKey
	}
	args, err := json.Marshal(call.Args)
	if err != nil {
		return nil, [32]byte{}, err
	}
	tx := transaction{
		SignerID:   call.SignerID,
		PublicKey:  publicKey{KeyType: keyTypeSecp256k1},
		Nonce:      nonce,
		ReceiverID: call.ReceiverID,
		BlockHash:  blockHash,
		Actions: []functionCallAction{{
			Kind:    actionFunctionCall,
			Method:  call.Method,
			Args:    args,
			Gas:     call.Gas,
			Deposit: u128LE(call.Deposit),
		}},
	}
	copy(tx.PublicKey.Data[:], pub)

	raw, err := borsh.Serialize(tx)
	if err != nil {
		return nil, [32]byte{}, err
	}
	return raw, sha256.Sum256(raw), nil
}

// SignTransaction appends the secp256k1 signature variant (tag, r||s||v)
// to the borsh encoded transaction, giving a SignedTransaction.
func SignTransaction(rawTx []byte, sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("near signature must be 65 bytes, got %d", len(sig))
	}
	out := make([]byte, 0, len(rawTx)+66)
	out = append(out, rawTx...)
	out = append(out, keyTypeSecp256k1)
	return append(out, sig...), nil
}

// CallFunction signs call with signer and broadcasts it. The returned hash
// is known before the node answers, so callers can record it first.
func (c *Client) CallFunction(ctx context.Context, signer PayloadSigner, call *FunctionCall) (string, error) {
	pub := signer.NearPublicKey()
	ak, err := c.ViewAccessKey(ctx, call.SignerID, EncodePublicKey(pub))
	if err != nil {
		return "", fmt.Errorf("access key of %s: %w", call.SignerID, err)
	}
	blockHash, err := DecodeHash(ak.BlockHash)
	if err != nil {
		return "", err
	}

	nonce := c.nextNonce(call.SignerID+"/"+EncodePublicKey(pub), ak.Nonce)
	raw, hash, err := BuildTransaction(call, pub, nonce, blockHash)
	if err != nil {
		return "", err
	}
	sig, err := signer.SignNearPayload(ctx, hash)
	if err != nil {
		return "", err
	}
	signed, err := SignTransaction(raw, sig)
	if err != nil {
		return "", err
	}

	txHash := base58.Encode(hash[:])
	logger.WithFields(logger.Fields{
		"tx":       txHash,
		"receiver": call.ReceiverID,
		"method":   call.Method,
		"nonce":    nonce,
	}).Debug("near function call signed")

	if _, err := c.BroadcastTxAsync(ctx, base64.StdEncoding.EncodeToString(signed)); err != nil {
		return txHash, err
	}
	return txHash, nil
}

// nextNonce hands out nonces above both the on-chain access key nonce and
// every nonce this client already used for the key. NEAR accepts gaps.
func (c *Client) nextNonce(key string, onChain uint64) uint64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := onChain
	if last := c.nonces[key]; last > n {
		n = last
	}
	n++
	c.nonces[key] = n
	return n
}

// DecodeHash decodes a base58 NEAR hash.
func DecodeHash(s string) ([32]byte, error) {
	var out [32]byte
	raw := base58.Decode(s)
	if len(raw) != 32 {
		return out, fmt.Errorf("bad near hash %q", s)
	}
	copy(out[:], raw)
	return out, nil
}
