// Package yieldprovider talks to the staking venue that holds custodied BTC
// between deposit and mint or redemption, and keeps the scratch state of
// in-flight withdrawal batches.
package yieldprovider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	resty "github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/btcman/assembler"
	"github.com/TEENet-io/atlas-bridge/common"
)

var (
	ErrUnknownRequest = errors.New("unknown unstake request")
	ErrBadResponse    = errors.New("malformed yield provider response")
)

type UnstakeStatus string

const (
	UnstakeProcessing UnstakeStatus = "processing"
	UnstakeDone       UnstakeStatus = "unstaked"
	UnstakeFailed     UnstakeStatus = "failed"
)

// UnstakeRequest asks the venue to release Amount satoshi. Reference is
// the ledger key the request belongs to.
type UnstakeRequest struct {
	Amount    int64  `json:"amount_sat"`
	Reference string `json:"reference"`
}

// UnstakeMessage is the text the custody key must sign to authorise an
// unstake.
type UnstakeMessage struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// Provider is what the reconciler needs from the staking venue.
type Provider interface {
	DepositAddress(ctx context.Context) (string, error)
	UnstakeMessage(ctx context.Context, req *UnstakeRequest) (*UnstakeMessage, error)
	SubmitUnstake(ctx context.Context, requestID string, signature []byte) error
	UnstakeStatus(ctx context.Context, requestID string) (UnstakeStatus, error)
	// WithdrawalPsbt returns an unsigned transaction releasing unstaked
	// funds to outputs. The custody key signs it.
	WithdrawalPsbt(ctx context.Context, outputs []assembler.Output) (*psbt.Packet, error)
}

// Client is the HTTP JSON implementation of Provider.
type Client struct {
	client *resty.Client
}

var _ Provider = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration, retries int) *Client {
	return &Client{client: common.NewRestClient(baseURL, timeout, retries)}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	req := c.client.R().
		SetContext(ctx).
		ForceContentType("application/json")
	if in != nil {
		req.SetBody(in)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if common.Answered(resp) {
			return fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
		return agreement.Transient(fmt.Errorf("yield provider %s %s: %w", method, path, err))
	}

	switch code := resp.StatusCode(); {
	case common.IsBusyStatus(code):
		return agreement.Transient(fmt.Errorf("yield provider %s %s: status %d", method, path, code))
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownRequest, path)
	case code >= http.StatusMultipleChoices:
		return fmt.Errorf("yield provider %s %s: status %d: %s", method, path, code, strings.TrimSpace(resp.String()))
	}
	return nil
}

func (c *Client) DepositAddress(ctx context.Context) (string, error) {
	var res struct {
		Address string `json:"address"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/deposit-address", nil, &res); err != nil {
		return "", err
	}
	if res.Address == "" {
		return "", fmt.Errorf("%w: empty deposit address", ErrBadResponse)
	}
	return res.Address, nil
}

func (c *Client) UnstakeMessage(ctx context.Context, req *UnstakeRequest) (*UnstakeMessage, error) {
	msg := &UnstakeMessage{}
	if err := c.do(ctx, http.MethodPost, "/v1/unstake/message", req, msg); err != nil {
		return nil, err
	}
	if msg.RequestID == "" || msg.Message == "" {
		return nil, fmt.Errorf("%w: incomplete unstake message", ErrBadResponse)
	}
	return msg, nil
}

func (c *Client) SubmitUnstake(ctx context.Context, requestID string, signature []byte) error {
	err := c.do(ctx, http.MethodPost, "/v1/unstake/"+url.PathEscape(requestID)+"/signature", map[string]string{
		"signature": base64.StdEncoding.EncodeToString(signature),
	}, nil)
	if err != nil {
		return err
	}
	logger.WithField("request", requestID).Info("unstake submitted")
	return nil
}

func (c *Client) UnstakeStatus(ctx context.Context, requestID string) (UnstakeStatus, error) {
	var res struct {
		Status UnstakeStatus `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/unstake/"+url.PathEscape(requestID), nil, &res); err != nil {
		return "", err
	}
	switch res.Status {
	case UnstakeProcessing, UnstakeDone, UnstakeFailed:
		return res.Status, nil
	}
	return "", fmt.Errorf("%w: unstake status %q", ErrBadResponse, res.Status)
}

type withdrawalOutput struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount_sat"`
}

func (c *Client) WithdrawalPsbt(ctx context.Context, outputs []assembler.Output) (*psbt.Packet, error) {
	req := struct {
		Outputs []withdrawalOutput `json:"outputs"`
	}{}
	for _, o := range outputs {
		req.Outputs = append(req.Outputs, withdrawalOutput{Address: o.Address, Amount: o.Amount})
	}
	var res struct {
		Psbt string `json:"psbt"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/withdrawals", &req, &res); err != nil {
		return nil, err
	}
	packet, err := psbt.NewFromRawBytes(strings.NewReader(res.Psbt), true)
	if err != nil {
		return nil, fmt.Errorf("%w: psbt: %v", ErrBadResponse, err)
	}
	return packet, nil
}
