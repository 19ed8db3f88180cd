// Package nearman is a small NEAR JSON-RPC client: block and chunk reads,
// transaction status, view calls, and function calls signed by the
// threshold key.
package nearman

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	resty "github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/common"
)

var (
	ErrTxNotFound   = errors.New("near transaction not found")
	ErrUnknownBlock = errors.New("near block not found")
)

// RPCError is the error object of a NEAR JSON-RPC response.
type RPCError struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Cause   struct {
		Name string          `json:"name"`
		Info json.RawMessage `json:"info"`
	} `json:"cause"`
	Data json.RawMessage `json:"data"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("near rpc %s/%s: %s", e.Name, e.Cause.Name, e.Message)
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type Client struct {
	client *resty.Client
	id     atomic.Uint64

	nonceMu sync.Mutex
	nonces  map[string]uint64
}

func NewClient(url string, timeout time.Duration, retries int) *Client {
	return &Client{
		client: common.NewRestClient(url, timeout, retries),
		nonces: make(map[string]uint64),
	}
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var r rpcResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(&rpcRequest{
			JSONRPC: "2.0",
			ID:      fmt.Sprintf("atlas-%d", c.id.Add(1)),
			Method:  method,
			Params:  params,
		}).
		ForceContentType("application/json").
		SetResult(&r).
		SetError(&r).
		Post("")
	if err != nil {
		if common.Answered(resp) && !common.IsBusyStatus(resp.StatusCode()) {
			return fmt.Errorf("near %s: decode response: %w", method, err)
		}
		return agreement.Transient(fmt.Errorf("near %s: %w", method, err))
	}
	if common.IsBusyStatus(resp.StatusCode()) {
		return agreement.Transient(fmt.Errorf("near %s: status %d", method, resp.StatusCode()))
	}
	if r.Error != nil {
		return classify(r.Error)
	}
	if resp.IsError() {
		return fmt.Errorf("near %s: status %d", method, resp.StatusCode())
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(r.Result, out)
}

func classify(e *RPCError) error {
	switch e.Cause.Name {
	case "UNKNOWN_TRANSACTION":
		return fmt.Errorf("%w: %v", ErrTxNotFound, e)
	case "UNKNOWN_BLOCK", "UNKNOWN_CHUNK", "NOT_SYNCED_YET":
		return fmt.Errorf("%w: %v", ErrUnknownBlock, e)
	case "TIMEOUT_ERROR", "INTERNAL_ERROR":
		return agreement.Transient(e)
	}
	return e
}

type BlockHeader struct {
	Height   uint64 `json:"height"`
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash"`
}

type ChunkHeader struct {
	ChunkHash string `json:"chunk_hash"`
}

type BlockView struct {
	Header BlockHeader   `json:"header"`
	Chunks []ChunkHeader `json:"chunks"`
}

// Block returns the block at height, or the latest final block when
// height is 0.
func (c *Client) Block(ctx context.Context, height uint64) (*BlockView, error) {
	params := map[string]interface{}{"finality": "final"}
	if height > 0 {
		params = map[string]interface{}{"block_id": height}
	}
	b := &BlockView{}
	if err := c.call(ctx, "block", params, b); err != nil {
		return nil, err
	}
	return b, nil
}

type ChunkTransaction struct {
	Hash       string `json:"hash"`
	SignerID   string `json:"signer_id"`
	ReceiverID string `json:"receiver_id"`
}

type ChunkView struct {
	Transactions []ChunkTransaction `json:"transactions"`
}

func (c *Client) Chunk(ctx context.Context, chunkHash string) (*ChunkView, error) {
	ch := &ChunkView{}
	if err := c.call(ctx, "chunk", map[string]interface{}{"chunk_id": chunkHash}, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

type ExecutionStatus struct {
	SuccessValue     *string         `json:"SuccessValue,omitempty"`
	SuccessReceiptID *string         `json:"SuccessReceiptId,omitempty"`
	Failure          json.RawMessage `json:"Failure,omitempty"`
}

func (s *ExecutionStatus) Succeeded() bool {
	return len(s.Failure) == 0 && (s.SuccessValue != nil || s.SuccessReceiptID != nil)
}

type ReceiptOutcome struct {
	ID      string `json:"id"`
	Outcome struct {
		Logs       []string        `json:"logs"`
		ExecutorID string          `json:"executor_id"`
		Status     ExecutionStatus `json:"status"`
	} `json:"outcome"`
}

type TxOutcome struct {
	Status      ExecutionStatus `json:"status"`
	Transaction struct {
		Hash       string `json:"hash"`
		SignerID   string `json:"signer_id"`
		ReceiverID string `json:"receiver_id"`
	} `json:"transaction"`
	ReceiptsOutcome []ReceiptOutcome `json:"receipts_outcome"`
}

// Logs of every receipt executed by executor, in execution order.
func (o *TxOutcome) Logs(executor string) []string {
	var logs []string
	for _, r := range o.ReceiptsOutcome {
		if executor == "" || r.Outcome.ExecutorID == executor {
			logs = append(logs, r.Outcome.Logs...)
		}
	}
	return logs
}

func (c *Client) TxStatus(ctx context.Context, txHash, senderID string) (*TxOutcome, error) {
	o := &TxOutcome{}
	if err := c.call(ctx, "tx", []interface{}{txHash, senderID}, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ViewFunction runs a read-only contract method and decodes its JSON result.
func (c *Client) ViewFunction(ctx context.Context, contract, method string, args interface{}, out interface{}) error {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return err
	}
	// result is a JSON array of byte values
	var raw struct {
		Result []int    `json:"result"`
		Logs   []string `json:"logs"`
	}
	if err := c.call(ctx, "query", map[string]interface{}{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   contract,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(rawArgs),
	}, &raw); err != nil {
		return err
	}
	result := make([]byte, len(raw.Result))
	for i, b := range raw.Result {
		result[i] = byte(b)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(result, out)
}

type AccessKeyView struct {
	Nonce       uint64 `json:"nonce"`
	BlockHeight uint64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

func (c *Client) ViewAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyView, error) {
	v := &AccessKeyView{}
	if err := c.call(ctx, "query", map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	}, v); err != nil {
		return nil, err
	}
	return v, nil
}

// BroadcastTxAsync submits a base64 signed transaction and returns its hash.
func (c *Client) BroadcastTxAsync(ctx context.Context, signedTx string) (string, error) {
	var hash string
	if err := c.call(ctx, "broadcast_tx_async", []interface{}{signedTx}, &hash); err != nil {
		return "", err
	}
	logger.WithField("tx", hash).Info("near transaction broadcast")
	return strings.TrimSpace(hash), nil
}
