package envelope

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/klauspost/compress/flate"
	"github.com/near/borsh-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositRoundTrip(t *testing.T) {
	cases := []*Deposit{
		{ChainID: "NEAR", Address: "alice.near", YieldProviderGasFee: 500, ProtocolFee: 200, MintingFee: 300},
		{ChainID: "421614", Address: "0x8ddF05F9A5c488b4973897E278B58895bF87Cb24"},
		{ChainID: "X", Address: "y", YieldProviderGasFee: 65535, ProtocolFee: 65535, MintingFee: 65535},
	}
	for _, want := range cases {
		payload, err := EncodeDeposit(want)
		require.NoError(t, err)

		script, err := Script(payload)
		require.NoError(t, err)
		tx := wire.NewMsgTx(wire.TxVersion)
		tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14}))
		tx.AddTxOut(wire.NewTxOut(0, script))

		found, err := FindOpReturn(tx)
		require.NoError(t, err)
		assert.Equal(t, payload, found)

		got, err := DecodeDeposit(found)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeRawDeflate(t *testing.T) {
	raw, err := borsh.Serialize(depositWire{N: "NEAR", A: "bob.near", ProtocolFee: 7})
	require.NoError(t, err)

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = fw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	got, err := DecodeDeposit(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "bob.near", got.Address)
	assert.Equal(t, uint16(7), got.ProtocolFee)
}

func TestDecodeLegacy(t *testing.T) {
	got, err := DecodeDeposit([]byte("421614,0xabc,10,20,30"))
	require.NoError(t, err)
	assert.Equal(t, &Deposit{ChainID: "421614", Address: "0xabc", YieldProviderGasFee: 10, ProtocolFee: 20, MintingFee: 30}, got)
	assert.Equal(t, int64(60), got.TotalFee())

	d := &Deposit{ChainID: "NEAR", Address: "carol.near", MintingFee: 1}
	payload, err := EncodeLegacyDeposit(d)
	require.NoError(t, err)
	got, err = DecodeDeposit(payload)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDecodeInvalid(t *testing.T) {
	for _, data := range [][]byte{
		[]byte("hello"),
		[]byte("a,b,c,d,e"),
		[]byte("a,b,1,2,70000"),
		[]byte(",b,1,2,3"),
		{0x78, 0xda, 0x01, 0x02},
	} {
		_, err := DecodeDeposit(data)
		assert.ErrorIs(t, err, ErrInvalidEnvelope, string(data))
	}

	_, err := DecodeDeposit(nil)
	assert.ErrorIs(t, err, ErrNoRoutingData)

	_, err = EncodeDeposit(&Deposit{ChainID: "", Address: "x"})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestFindOpReturn(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14}))
	_, err := FindOpReturn(tx)
	assert.ErrorIs(t, err, ErrNoRoutingData)

	s1, _ := Script([]byte("a"))
	s2, _ := Script([]byte("b"))
	tx.AddTxOut(wire.NewTxOut(0, s1))
	tx.AddTxOut(wire.NewTxOut(0, s2))
	_, err = FindOpReturn(tx)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestRedemptionEnvelope(t *testing.T) {
	key := "421614,0xdeadbeef"
	payload := EncodeRedemption(key)
	assert.Equal(t, []byte(key), payload)

	gotKey, chainID, txHash, err := DecodeRedemption(payload)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, "421614", chainID)
	assert.Equal(t, "0xdeadbeef", txHash)

	_, _, _, err = DecodeRedemption([]byte("nocomma"))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}
