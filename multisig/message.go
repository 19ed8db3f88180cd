package multisig

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const messageMagic = "Bitcoin Signed Message:\n"

// MessageHash is the double SHA256 of the varint-prefixed magic and message.
func MessageHash(msg string) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, messageMagic)
	_ = wire.WriteVarString(&buf, 0, msg)
	return chainhash.DoubleHashB(buf.Bytes())
}

// SignMessage signs msg with the bitcoin child key and returns
// (recid+27)||r||s, the form the yield provider checks unstake requests with.
func (c *Coordinator) SignMessage(ctx context.Context, msg string) ([]byte, error) {
	hash := MessageHash(msg)
	sig, err := c.sign(ctx, hash, c.btcPath)
	if err != nil {
		return nil, err
	}
	recID, err := sig.recoverID(hash, c.btcKey)
	if err != nil {
		return nil, err
	}
	return sig.compact(recID, false), nil
}

// SignNearPayload signs a NEAR transaction hash and returns r||s||v, the
// 65 byte secp256k1 signature NEAR expects.
func (c *Coordinator) SignNearPayload(ctx context.Context, payload [32]byte) ([]byte, error) {
	sig, err := c.sign(ctx, payload[:], c.nearPath)
	if err != nil {
		return nil, err
	}
	v, err := sig.recoverID(payload[:], c.nearKey)
	if err != nil {
		return nil, err
	}
	return append(sig.Bytes64(), v), nil
}
