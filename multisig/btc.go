package multisig

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/btcman/utxo"
)

func prevOutput(packet *psbt.Packet, i int) (*wire.TxOut, error) {
	in := packet.Inputs[i]
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo, nil
	}
	if in.NonWitnessUtxo != nil {
		idx := packet.UnsignedTx.TxIn[i].PreviousOutPoint.Index
		if int(idx) >= len(in.NonWitnessUtxo.TxOut) {
			return nil, fmt.Errorf("input %d: previous tx has no output %d", i, idx)
		}
		return in.NonWitnessUtxo.TxOut[idx], nil
	}
	return nil, fmt.Errorf("input %d: no previous output in packet", i)
}

// SignPsbt signs every input of packet with the bitcoin child key, then
// finalizes and extracts the network transaction.
func (c *Coordinator) SignPsbt(ctx context.Context, packet *psbt.Packet) (*wire.MsgTx, error) {
	tx := packet.UnsignedTx
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	prevOuts := make([]*wire.TxOut, len(tx.TxIn))
	for i, in := range tx.TxIn {
		out, err := prevOutput(packet, i)
		if err != nil {
			return nil, err
		}
		prevOuts[i] = out
		fetcher.AddPrevOut(in.PreviousOutPoint, out)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	pubCompressed := c.btcKey.SerializeCompressed()
	pkHash := btcutil.Hash160(pubCompressed)

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}
	for i, out := range prevOuts {
		var hash []byte
		switch utxo.Classify(out.PkScript) {
		case utxo.ScriptSegwit:
			if !bytes.Equal(out.PkScript[2:], pkHash) {
				return nil, fmt.Errorf("%w: input %d is not locked to the custody key", ErrValidation, i)
			}
			hash, err = txscript.CalcWitnessSigHash(out.PkScript, sigHashes, txscript.SigHashAll, tx, i, out.Value)
		case utxo.ScriptLegacy:
			if !txscript.IsPayToPubKeyHash(out.PkScript) || !bytes.Equal(out.PkScript[3:23], pkHash) {
				return nil, fmt.Errorf("%w: input %d is not locked to the custody key", ErrValidation, i)
			}
			hash, err = txscript.CalcSignatureHash(out.PkScript, txscript.SigHashAll, tx, i)
		default:
			return nil, fmt.Errorf("%w: input %d", ErrUnsupportedInput, i)
		}
		if err != nil {
			return nil, fmt.Errorf("sighash of input %d: %w", i, err)
		}

		sig, err := c.sign(ctx, hash, c.btcPath)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		if !sig.Verify(hash, c.btcKey) {
			return nil, fmt.Errorf("%w: signature of input %d does not verify", ErrValidation, i)
		}
		der, err := sig.DER()
		if err != nil {
			return nil, err
		}

		outcome, err := updater.Sign(i, append(der, byte(txscript.SigHashAll)), pubCompressed, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("attach signature of input %d: %w", i, err)
		}
		if outcome != psbt.SignSuccesful {
			return nil, fmt.Errorf("%w: input %d sign outcome %d", ErrValidation, i, outcome)
		}
	}

	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("finalize psbt: %w", err)
	}
	signed, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("extract psbt: %w", err)
	}

	logger.WithFields(logger.Fields{
		"txid":   signed.TxHash().String(),
		"inputs": len(signed.TxIn),
	}).Debug("psbt signed")
	return signed, nil
}
