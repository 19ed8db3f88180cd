package assembler

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Decode Address decodes a string address to btcutil.Address
func DecodeAddress(addressStr string, network *chaincfg.Params) (btcutil.Address, error) {
	address, err := btcutil.DecodeAddress(addressStr, network)
	if err != nil {
		return nil, err
	}
	return address, nil
}

// AppendPayToAddress adds an output paying amount to dst_addr.
// Script addresses are accepted; the caller decides what it pays to.
func AppendPayToAddress(tx *wire.MsgTx, dst_chain_cfg *chaincfg.Params, dst_addr string, amount int64) (*wire.MsgTx, error) {
	btcDstAddress, err := DecodeAddress(dst_addr, dst_chain_cfg)
	if err != nil {
		return nil, err
	}

	txOutScript, err := txscript.PayToAddrScript(btcDstAddress)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(amount, txOutScript))
	return tx, nil
}

// P2WPKHAddress is the native segwit address of pub.
func P2WPKHAddress(pub *btcec.PublicKey, params *chaincfg.Params) (*btcutil.AddressWitnessPubKeyHash, error) {
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
}

// P2PKHAddress is the legacy address of pub.
func P2PKHAddress(pub *btcec.PublicKey, params *chaincfg.Params) (*btcutil.AddressPubKeyHash, error) {
	return btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
}

// P2TRAddress is the key-path only taproot address with internal key pub.
func P2TRAddress(pub *btcec.PublicKey, params *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	tweaked := txscript.ComputeTaprootKeyNoScript(pub)
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(tweaked), params)
}
