// Package envelope encodes and decodes the OP_RETURN routing data carried by
// every BTC transaction that starts a cross-chain action.
//
// Deposit transactions carry a borsh encoded struct compressed with DEFLATE
// (zlib framed). Transactions from before the structured format carry the
// plain text tuple "chain,address,yieldProviderGasFee,protocolFee,mintingFee".
// There is no version tag, so decoding tries the structured form first.
//
// Redemption payouts carry the redemption correlation key verbatim.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/near/borsh-go"

	"github.com/TEENet-io/atlas-bridge/agreement"
)

var (
	ErrInvalidEnvelope = errors.New("invalid routing envelope")
	ErrNoRoutingData   = fmt.Errorf("%w: no routing data", ErrInvalidEnvelope)
)

// inflated payloads larger than this are rejected
const maxInflatedSize = 4096

// Deposit routes a BTC deposit to a destination chain and fixes its fees.
type Deposit struct {
	ChainID             string
	Address             string
	YieldProviderGasFee uint16
	ProtocolFee         uint16
	MintingFee          uint16
}

// TotalFee is the part of the deposit amount that is not minted.
func (d *Deposit) TotalFee() int64 {
	return int64(d.YieldProviderGasFee) + int64(d.ProtocolFee) + int64(d.MintingFee)
}

// wire layout, field order is the encoding
type depositWire struct {
	N                   string
	A                   string
	YieldProviderGasFee uint16
	ProtocolFee         uint16
	MintingFee          uint16
}

func (d *Deposit) validate() error {
	if !printableASCII(d.ChainID) || !printableASCII(d.Address) {
		return fmt.Errorf("%w: chain id and address must be non-empty printable ascii", ErrInvalidEnvelope)
	}
	return nil
}

func printableASCII(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// EncodeDeposit returns the OP_RETURN payload for d.
func EncodeDeposit(d *Deposit) ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	raw, err := borsh.Serialize(depositWire{
		N:                   d.ChainID,
		A:                   d.Address,
		YieldProviderGasFee: d.YieldProviderGasFee,
		ProtocolFee:         d.ProtocolFee,
		MintingFee:          d.MintingFee,
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDeposit parses a deposit payload in either format.
func DecodeDeposit(data []byte) (*Deposit, error) {
	if len(data) == 0 {
		return nil, ErrNoRoutingData
	}
	if d, err := decodeStructured(data); err == nil {
		return d, nil
	}
	d, err := decodeLegacy(data)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		// some producers emit raw DEFLATE without the zlib frame
		r = flate.NewReader(bytes.NewReader(data))
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("%w: inflated payload too large", ErrInvalidEnvelope)
	}
	return out, nil
}

func decodeStructured(data []byte) (*Deposit, error) {
	raw, err := inflate(data)
	if err != nil {
		return nil, err
	}
	var w depositWire
	if err := borsh.Deserialize(&w, raw); err != nil {
		return nil, err
	}
	// borsh is deterministic: trailing garbage shows up as a length mismatch
	again, err := borsh.Serialize(w)
	if err != nil || !bytes.Equal(again, raw) {
		return nil, fmt.Errorf("%w: trailing bytes in structured payload", ErrInvalidEnvelope)
	}
	d := &Deposit{
		ChainID:             w.N,
		Address:             w.A,
		YieldProviderGasFee: w.YieldProviderGasFee,
		ProtocolFee:         w.ProtocolFee,
		MintingFee:          w.MintingFee,
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func decodeLegacy(data []byte) (*Deposit, error) {
	parts := strings.Split(string(data), ",")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: expected 5 comma separated fields, got %d", ErrInvalidEnvelope, len(parts))
	}
	var fees [3]uint16
	for i := range fees {
		v, err := strconv.ParseUint(strings.TrimSpace(parts[2+i]), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: fee field %d: %v", ErrInvalidEnvelope, i, err)
		}
		fees[i] = uint16(v)
	}
	d := &Deposit{
		ChainID:             strings.TrimSpace(parts[0]),
		Address:             strings.TrimSpace(parts[1]),
		YieldProviderGasFee: fees[0],
		ProtocolFee:         fees[1],
		MintingFee:          fees[2],
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// EncodeLegacyDeposit renders d in the plain text format.
func EncodeLegacyDeposit(d *Deposit) ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if strings.Contains(d.ChainID, ",") || strings.Contains(d.Address, ",") {
		return nil, fmt.Errorf("%w: comma in legacy field", ErrInvalidEnvelope)
	}
	return []byte(fmt.Sprintf("%s,%s,%d,%d,%d",
		d.ChainID, d.Address, d.YieldProviderGasFee, d.ProtocolFee, d.MintingFee)), nil
}

// EncodeRedemption returns the payload of a redemption payout.
func EncodeRedemption(redemptionKey string) []byte {
	return []byte(redemptionKey)
}

// DecodeRedemption returns the redemption key and its parts.
func DecodeRedemption(data []byte) (key, chainID, txnHash string, err error) {
	key = string(data)
	chainID, txnHash, err = agreement.SplitCorrelationKey(key)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return key, chainID, txnHash, nil
}

// Script wraps payload in an OP_RETURN locking script.
func Script(payload []byte) ([]byte, error) {
	return txscript.NullDataScript(payload)
}

// FindOpReturn returns the payload of the single OP_RETURN output of tx.
func FindOpReturn(tx *wire.MsgTx) ([]byte, error) {
	var (
		found   bool
		payload []byte
	)
	for _, out := range tx.TxOut {
		if !txscript.IsNullData(out.PkScript) {
			continue
		}
		if found {
			return nil, fmt.Errorf("%w: more than one OP_RETURN output", ErrInvalidEnvelope)
		}
		data, err := nullDataPayload(out.PkScript)
		if err != nil {
			return nil, err
		}
		found, payload = true, data
	}
	if !found {
		return nil, ErrNoRoutingData
	}
	return payload, nil
}

func nullDataPayload(script []byte) ([]byte, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, fmt.Errorf("%w: not an OP_RETURN script", ErrInvalidEnvelope)
	}
	var payload []byte
	for tokenizer.Next() {
		payload = append(payload, tokenizer.Data()...)
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return payload, nil
}
