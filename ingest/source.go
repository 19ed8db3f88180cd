package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/atlas-bridge/etherman"
	"github.com/TEENet-io/atlas-bridge/nearman"
)

// Source yields the events of one chain by block range.
type Source interface {
	ChainID() string
	// highest block whose events are final
	Head(ctx context.Context) (uint64, error)
	// events of blocks [from, to] in chain order
	Events(ctx context.Context, from, to uint64) ([]Event, error)
}

type evmReader interface {
	LatestFinalizedBlock(ctx context.Context) (uint64, error)
	GetPastEvents(ctx context.Context, from, to uint64) ([]etherman.Event, error)
}

// EvmSource adapts the aBTC contract logs of an EVM chain.
type EvmSource struct {
	chainID string
	em      evmReader
}

var _ Source = (*EvmSource)(nil)

func NewEvmSource(chainID string, em *etherman.Etherman) *EvmSource {
	return &EvmSource{chainID: chainID, em: em}
}

func (s *EvmSource) ChainID() string { return s.chainID }

func (s *EvmSource) Head(ctx context.Context) (uint64, error) {
	return s.em.LatestFinalizedBlock(ctx)
}

func satoshi(v *big.Int) (int64, error) {
	if v == nil || !v.IsInt64() {
		return 0, fmt.Errorf("amount %v out of range", v)
	}
	return v.Int64(), nil
}

func (s *EvmSource) Events(ctx context.Context, from, to uint64) ([]Event, error) {
	logs, err := s.em.GetPastEvents(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(logs))
	for _, l := range logs {
		raw := l.RawLog()
		meta := EventMeta{ChainID: s.chainID, TxHash: raw.TxHash.Hex(), BlockNumber: raw.BlockNumber}

		var (
			ev     Event
			amount *big.Int
		)
		switch e := l.(type) {
		case *etherman.MintDepositEvent:
			amount = e.Amount
			ev = &MintDeposit{EventMeta: meta, BtcTxnHash: e.BtcTxnHash, Recipient: e.Wallet.Hex()}
		case *etherman.BurnRedeemEvent:
			amount = e.Amount
			ev = &BurnRedeem{EventMeta: meta, Wallet: e.Wallet.Hex(), BtcAddress: e.BtcAddress}
		case *etherman.MintBridgeEvent:
			amount = e.Amount
			ev = &MintBridge{EventMeta: meta, OriginChainID: e.OriginChainId, OriginTxnHash: e.OriginTxnHash, Recipient: e.Wallet.Hex()}
		case *etherman.BurnBridgeEvent:
			amount = e.Amount
			ev = &BurnBridge{EventMeta: meta, Wallet: e.Wallet.Hex(), DestChainID: e.DestChainId, DestAddress: e.DestAddress}
		default:
			continue
		}
		sat, err := satoshi(amount)
		if err != nil {
			return nil, fmt.Errorf("%s in %s: %w", l.Name(), meta.TxHash, err)
		}
		setAmount(ev, sat)
		out = append(out, ev)
	}
	assignSeq(out)
	return out, nil
}

func setAmount(ev Event, sat int64) {
	switch e := ev.(type) {
	case *MintDeposit:
		e.Amount = sat
	case *BurnRedeem:
		e.Amount = sat
	case *MintBridge:
		e.Amount = sat
	case *BurnBridge:
		e.Amount = sat
	}
}

type nearReader interface {
	Block(ctx context.Context, height uint64) (*nearman.BlockView, error)
	Chunk(ctx context.Context, chunkHash string) (*nearman.ChunkView, error)
	TxStatus(ctx context.Context, txHash, senderID string) (*nearman.TxOutcome, error)
}

// NearSource walks NEAR blocks and reads the EVENT_JSON logs of every
// successful transaction sent to the aBTC contract.
type NearSource struct {
	chainID  string
	contract string
	client   nearReader
}

var _ Source = (*NearSource)(nil)

func NewNearSource(chainID, contract string, client *nearman.Client) *NearSource {
	return &NearSource{chainID: chainID, contract: contract, client: client}
}

func (s *NearSource) ChainID() string { return s.chainID }

func (s *NearSource) Head(ctx context.Context) (uint64, error) {
	b, err := s.client.Block(ctx, 0)
	if err != nil {
		return 0, err
	}
	return b.Header.Height, nil
}

func (s *NearSource) Events(ctx context.Context, from, to uint64) ([]Event, error) {
	var out []Event
	for h := from; h <= to; h++ {
		block, err := s.client.Block(ctx, h)
		if errors.Is(err, nearman.ErrUnknownBlock) {
			// heights without a block are normal on NEAR
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, ch := range block.Chunks {
			chunk, err := s.client.Chunk(ctx, ch.ChunkHash)
			if err != nil {
				return nil, err
			}
			for _, tx := range chunk.Transactions {
				if tx.ReceiverID != s.contract {
					continue
				}
				events, err := s.txEvents(ctx, h, tx)
				if err != nil {
					return nil, err
				}
				out = append(out, events...)
			}
		}
	}
	assignSeq(out)
	return out, nil
}

func (s *NearSource) txEvents(ctx context.Context, height uint64, tx nearman.ChunkTransaction) ([]Event, error) {
	outcome, err := s.client.TxStatus(ctx, tx.Hash, tx.SignerID)
	if err != nil {
		return nil, err
	}
	if !outcome.Status.Succeeded() {
		logger.WithFields(logger.Fields{"chain": s.chainID, "tx": tx.Hash}).Debug("skipping failed near transaction")
		return nil, nil
	}
	logs, err := nearman.ParseEventLogs(outcome.Logs(s.contract))
	if err != nil {
		return nil, err
	}

	meta := EventMeta{ChainID: s.chainID, TxHash: tx.Hash, BlockNumber: height}
	var out []Event
	for _, l := range logs {
		events, err := decodeNearEvent(meta, l)
		if err != nil {
			return nil, fmt.Errorf("near tx %s: %w", tx.Hash, err)
		}
		out = append(out, events...)
	}
	return out, nil
}

func parseAmount(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q: %w", s, err)
	}
	return v, nil
}

func decodeNearEvent(meta EventMeta, l *nearman.EventLog) ([]Event, error) {
	var out []Event
	switch l.Event {
	case nearman.EventMintDeposit:
		var items []nearman.MintDepositData
		if err := l.Items(&items); err != nil {
			return nil, err
		}
		for _, it := range items {
			amount, err := parseAmount(it.Amount)
			if err != nil {
				return nil, err
			}
			out = append(out, &MintDeposit{EventMeta: meta, BtcTxnHash: it.BtcTxnHash, Recipient: it.Address, Amount: amount})
		}
	case nearman.EventBurnRedeem:
		var items []nearman.BurnRedeemData
		if err := l.Items(&items); err != nil {
			return nil, err
		}
		for _, it := range items {
			amount, err := parseAmount(it.Amount)
			if err != nil {
				return nil, err
			}
			out = append(out, &BurnRedeem{EventMeta: meta, Wallet: it.Address, BtcAddress: it.BtcAddress, Amount: amount})
		}
	case nearman.EventMintBridge:
		var items []nearman.MintBridgeData
		if err := l.Items(&items); err != nil {
			return nil, err
		}
		for _, it := range items {
			amount, err := parseAmount(it.Amount)
			if err != nil {
				return nil, err
			}
			out = append(out, &MintBridge{EventMeta: meta, OriginChainID: it.OriginChainID, OriginTxnHash: it.OriginTxnHash, Recipient: it.Address, Amount: amount})
		}
	case nearman.EventBurnBridge:
		var items []nearman.BurnBridgeData
		if err := l.Items(&items); err != nil {
			return nil, err
		}
		for _, it := range items {
			amount, err := parseAmount(it.Amount)
			if err != nil {
				return nil, err
			}
			out = append(out, &BurnBridge{EventMeta: meta, Wallet: it.Address, Amount: amount, DestChainID: it.DestChainID, DestAddress: it.DestAddress})
		}
	}
	return out, nil
}
