package assembler

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/atlas-bridge/btcman/envelope"
	"github.com/TEENet-io/atlas-bridge/btcman/rpc"
	"github.com/TEENet-io/atlas-bridge/btcman/utxo"
)

var ErrTaprootKeyMissing = errors.New("taproot input needs the sender public key")

// Output is one payment of a payload.
type Output struct {
	Address string
	Amount  int64 // satoshi
}

// PayloadRequest describes a transaction to be funded from Sender's UTXOs.
type PayloadRequest struct {
	Sender string
	// internal key for taproot inputs
	SenderPubKey *btcec.PublicKey
	Outputs      []Output
	// OP_RETURN payload, nil for none
	Envelope        []byte
	TreasuryAddress string
	TreasuryAmount  int64
	// sat/vB, 0 asks the node
	FeeRate float64
	Order   utxo.Order
	MinConf int
}

// DustLimit is the smallest change output worth creating; less goes to the
// miners.
const DustLimit = 546

// Payload is an unsigned PSBT with the plan that produced it.
type Payload struct {
	Packet   *psbt.Packet
	Selected []*utxo.UTXO
	Fee      int64
	Change   int64
}

// TxID is the final txid only when every input is segwit.
func (p *Payload) TxID() string {
	return p.Packet.UnsignedTx.TxHash().String()
}

type Assembler struct {
	ChainConfig   *chaincfg.Params // which BTC chain it is on. (mainnet, testnet, regtest)
	Client        rpc.Client
	FeeConfTarget int64
}

func NewAssembler(params *chaincfg.Params, client rpc.Client, feeConfTarget int64) *Assembler {
	return &Assembler{ChainConfig: params, Client: client, FeeConfTarget: feeConfTarget}
}

func (req *PayloadRequest) outputCount() int {
	n := len(req.Outputs) + 1 // change
	if req.Envelope != nil {
		n++
	}
	if req.TreasuryAmount > 0 {
		n++
	}
	return n
}

func (req *PayloadRequest) amount() (int64, error) {
	var sum int64
	for _, o := range req.Outputs {
		if o.Amount <= 0 {
			return 0, fmt.Errorf("non-positive output amount %d to %s", o.Amount, o.Address)
		}
		sum += o.Amount
	}
	if req.TreasuryAmount < 0 {
		return 0, fmt.Errorf("negative treasury amount %d", req.TreasuryAmount)
	}
	return sum + req.TreasuryAmount, nil
}

// BuildPayload selects UTXOs of the sender and assembles an unsigned PSBT:
// outputs in request order, then the OP_RETURN envelope, then the treasury
// output if any, then change back to the sender if any.
func (myAss *Assembler) BuildPayload(ctx context.Context, req *PayloadRequest) (*Payload, error) {
	amount, err := req.amount()
	if err != nil {
		return nil, err
	}

	feeRate := req.FeeRate
	if feeRate <= 0 {
		if feeRate, err = myAss.Client.GetFeeRate(ctx, myAss.FeeConfTarget); err != nil {
			return nil, err
		}
	}

	utxos, err := myAss.Client.GetUTXOs(ctx, req.Sender, req.MinConf)
	if err != nil {
		return nil, err
	}
	sel, err := utxo.SelectUtxo(utxos, amount, feeRate, req.outputCount(), req.Order)
	if err != nil {
		return nil, err
	}
	fee, change := sel.Fee, sel.Total-amount-sel.Fee
	if change < DustLimit {
		fee += change
		change = 0
	}

	tx, err := myAss.craftOutputs(req, change)
	if err != nil {
		return nil, err
	}
	for _, u := range sel.Selected {
		hash, err := u.Hash()
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}
	if err := myAss.describeInputs(ctx, packet, sel.Selected, req.SenderPubKey); err != nil {
		return nil, err
	}

	return &Payload{
		Packet:   packet,
		Selected: sel.Selected,
		Fee:      fee,
		Change:   change,
	}, nil
}

func (myAss *Assembler) craftOutputs(req *PayloadRequest, change int64) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	var err error
	for _, o := range req.Outputs {
		if tx, err = AppendPayToAddress(tx, myAss.ChainConfig, o.Address, o.Amount); err != nil {
			return nil, err
		}
	}

	if req.Envelope != nil {
		script, err := envelope.Script(req.Envelope)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(0, script)) // No value for OP_RETURN
	}

	if req.TreasuryAmount > 0 {
		if tx, err = AppendPayToAddress(tx, myAss.ChainConfig, req.TreasuryAddress, req.TreasuryAmount); err != nil {
			return nil, err
		}
	}

	// if change == 0 no need to add this clause.
	if change > 0 {
		if tx, err = AppendPayToAddress(tx, myAss.ChainConfig, req.Sender, change); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// describeInputs attaches what a signer needs per input script family.
func (myAss *Assembler) describeInputs(ctx context.Context, packet *psbt.Packet, selected []*utxo.UTXO, senderPub *btcec.PublicKey) error {
	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return err
	}
	for i, u := range selected {
		prevOut := wire.NewTxOut(u.Amount, u.PkScript)
		switch u.ScriptType() {
		case utxo.ScriptTaproot:
			if senderPub == nil {
				return ErrTaprootKeyMissing
			}
			packet.Inputs[i].WitnessUtxo = prevOut
			packet.Inputs[i].TaprootInternalKey = schnorr.SerializePubKey(senderPub)
		case utxo.ScriptSegwit:
			if err := updater.AddInWitnessUtxo(prevOut, i); err != nil {
				return err
			}
		default:
			info, err := myAss.Client.GetTransaction(ctx, u.TxID)
			if err != nil {
				return fmt.Errorf("previous tx of legacy input %s:%d: %w", u.TxID, u.Vout, err)
			}
			if err := updater.AddInNonWitnessUtxo(info.Tx, i); err != nil {
				return err
			}
		}
		if err := updater.AddInSighashType(txscript.SigHashAll, i); err != nil {
			return err
		}
	}
	return nil
}
