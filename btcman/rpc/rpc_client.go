package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/btcman/utxo"
)

const (
	MAX_CONFIRM = 9999999
	// used when the node has no estimate yet (fresh regtest, signet)
	FallbackFeeRate = 1.0
)

var ErrTxNotFound = errors.New("transaction not found")

// TxInfo is a transaction together with its confirmation depth.
type TxInfo struct {
	Tx            *wire.MsgTx
	Confirmations int64
	BlockHash     string
}

// Client is what the settlement core needs from a Bitcoin node.
// Every call is fallible; network failures are wrapped transient.
type Client interface {
	GetUTXOs(ctx context.Context, address string, minConf int) ([]*utxo.UTXO, error)
	// sat/vB
	GetFeeRate(ctx context.Context, confTarget int64) (float64, error)
	GetTransaction(ctx context.Context, txid string) (*TxInfo, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockByHeight(ctx context.Context, height int64) (*wire.MsgBlock, error)
	GetMempoolTxIDs(ctx context.Context) ([]string, error)
}

type RpcClientConfig struct {
	ServerAddr string // host:port of the node
	Username   string
	Pwd        string
	Params     *chaincfg.Params
}

// Wrapper of btc rpc client.
type RpcClient struct {
	client *rpcclient.Client
	params *chaincfg.Params
}

var _ Client = (*RpcClient)(nil)

// Create a new RPC client which
// contains several useful functions
// to interact with bitcoin node.
func NewRpcClient(rcc *RpcClientConfig) (*RpcClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         rcc.ServerAddr,
		User:         rcc.Username,
		Pass:         rcc.Pwd,
		HTTPPostMode: true, // original bitcoin only supports HTTP POST mode
		DisableTLS:   true, // original bitcoin does not support TLS
	}, nil)
	if err != nil {
		return nil, err
	}
	return &RpcClient{client: client, params: rcc.Params}, nil
}

// Close the rpc client
func (r *RpcClient) Close() {
	r.client.Shutdown()
}

// classify turns a node error into the shared taxonomy. JSON-RPC errors
// are answers from the node; anything else is a transport failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		if strings.Contains(rpcErr.Message, "too-long-mempool-chain") {
			return agreement.Recoverable(agreement.RecoverableMempoolChainTooLong, err)
		}
		return err
	}
	return agreement.Transient(err)
}

// Get the UTXO(s) of an address.
// Notice: the address must be imported (watch-only) into the node wallet.
func (r *RpcClient) GetUTXOs(ctx context.Context, address string, minConf int) ([]*utxo.UTXO, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(address, r.params)
	if err != nil {
		return nil, err
	}
	unspent, err := r.client.ListUnspentMinMaxAddresses(minConf, MAX_CONFIRM, []btcutil.Address{addr})
	if err != nil {
		return nil, classify(err)
	}

	out := make([]*utxo.UTXO, 0, len(unspent))
	for _, item := range unspent {
		pkScript, err := hex.DecodeString(item.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("utxo %s:%d: bad script: %w", item.TxID, item.Vout, err)
		}
		amount, err := btcutil.NewAmount(item.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, &utxo.UTXO{
			TxID:          item.TxID,
			Vout:          item.Vout,
			Amount:        int64(amount),
			PkScript:      pkScript,
			Confirmations: item.Confirmations,
		})
	}
	return out, nil
}

// GetFeeRate asks the node for a conservative estimate and converts
// BTC/kvB into sat/vB.
func (r *RpcClient) GetFeeRate(ctx context.Context, confTarget int64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	mode := btcjson.EstimateModeConservative
	res, err := r.client.EstimateSmartFee(confTarget, &mode)
	if err != nil {
		return 0, classify(err)
	}
	if res.FeeRate == nil || *res.FeeRate <= 0 {
		return FallbackFeeRate, nil
	}
	return *res.FeeRate * 1e8 / 1000, nil
}

// Fetch a tx with a given TxID.
// Enable -txindex on your bitcoin node before using this function.
func (r *RpcClient) GetTransaction(ctx context.Context, txid string) (*TxInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txHash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	res, err := r.client.GetRawTransactionVerbose(txHash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
		}
		return nil, classify(err)
	}
	raw, err := hex.DecodeString(res.Hex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &TxInfo{Tx: tx, Confirmations: int64(res.Confirmations), BlockHash: res.BlockHash}, nil
}

// Send raw transaction to bitcoin network.
func (r *RpcClient) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// allowHighFees=false: let the node refuse absurd fees from a bad fee rate
	txHash, err := r.client.SendRawTransaction(tx, false)
	if err != nil {
		return "", classify(err)
	}
	return txHash.String(), nil
}

// Get the latest block height.
func (r *RpcClient) GetBlockCount(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h, err := r.client.GetBlockCount()
	if err != nil {
		return 0, classify(err)
	}
	return h, nil
}

func (r *RpcClient) GetBlockByHeight(ctx context.Context, height int64) (*wire.MsgBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := r.client.GetBlockHash(height)
	if err != nil {
		return nil, classify(err)
	}
	b, err := r.client.GetBlock(hash)
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

func (r *RpcClient) GetMempoolTxIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hashes, err := r.client.GetRawMempool()
	if err != nil {
		return nil, classify(err)
	}
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}
	return out, nil
}

// ImportAddress makes the node wallet track address so GetUTXOs works.
func (r *RpcClient) ImportAddress(address string) error {
	return r.client.ImportAddressRescan(address, "atlas", false)
}
