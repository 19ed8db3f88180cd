package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/atlas-bridge/btcman/utxo"
)

// SimulatedBtcClient is an in-memory node for tests.
type SimulatedBtcClient struct {
	mu sync.Mutex

	FeeRate      float64
	BroadcastErr error

	utxos       map[string][]*utxo.UTXO
	txs         map[string]*TxInfo
	blocks      []*wire.MsgBlock
	mempool     []string
	broadcasted []*wire.MsgTx
}

var _ Client = (*SimulatedBtcClient)(nil)

func NewSimulatedBtcClient() *SimulatedBtcClient {
	return &SimulatedBtcClient{
		FeeRate: 2,
		utxos:   make(map[string][]*utxo.UTXO),
		txs:     make(map[string]*TxInfo),
	}
}

func (s *SimulatedBtcClient) AddUTXO(address string, u *utxo.UTXO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utxos[address] = append(s.utxos[address], u)
}

// AddTx registers tx with the given depth; depth 0 puts it in the mempool.
func (s *SimulatedBtcClient) AddTx(tx *wire.MsgTx, confirmations int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	txid := tx.TxHash().String()
	s.txs[txid] = &TxInfo{Tx: tx, Confirmations: confirmations}
	if confirmations == 0 {
		s.mempool = append(s.mempool, txid)
	}
	return txid
}

func (s *SimulatedBtcClient) SetConfirmations(txid string, confirmations int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.txs[txid]; ok {
		info.Confirmations = confirmations
	}
}

// MineBlock appends a block holding txs and confirms them.
func (s *SimulatedBtcClient) MineBlock(txs ...*wire.MsgTx) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	block := &wire.MsgBlock{Header: wire.BlockHeader{Version: 1}}
	mined := make(map[string]bool)
	for _, tx := range txs {
		_ = block.AddTransaction(tx)
		txid := tx.TxHash().String()
		mined[txid] = true
		if info, ok := s.txs[txid]; ok {
			info.Confirmations = 1
		} else {
			s.txs[txid] = &TxInfo{Tx: tx, Confirmations: 1}
		}
	}
	var keep []string
	for _, id := range s.mempool {
		if !mined[id] {
			keep = append(keep, id)
		}
	}
	s.mempool = keep
	s.blocks = append(s.blocks, block)
	return int64(len(s.blocks) - 1)
}

func (s *SimulatedBtcClient) Broadcasted() []*wire.MsgTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.MsgTx(nil), s.broadcasted...)
}

func (s *SimulatedBtcClient) GetUTXOs(_ context.Context, address string, minConf int) ([]*utxo.UTXO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*utxo.UTXO
	for _, u := range s.utxos[address] {
		if u.Confirmations >= int64(minConf) {
			c := *u
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *SimulatedBtcClient) GetFeeRate(context.Context, int64) (float64, error) {
	return s.FeeRate, nil
}

func (s *SimulatedBtcClient) GetTransaction(_ context.Context, txid string) (*TxInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.txs[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}
	c := *info
	return &c, nil
}

func (s *SimulatedBtcClient) Broadcast(_ context.Context, tx *wire.MsgTx) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BroadcastErr != nil {
		return "", s.BroadcastErr
	}
	txid := tx.TxHash().String()
	s.broadcasted = append(s.broadcasted, tx)
	s.txs[txid] = &TxInfo{Tx: tx}
	s.mempool = append(s.mempool, txid)
	return txid, nil
}

func (s *SimulatedBtcClient) GetBlockCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.blocks) - 1), nil
}

func (s *SimulatedBtcClient) GetBlockByHeight(_ context.Context, height int64) (*wire.MsgBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height < 0 || height >= int64(len(s.blocks)) {
		return nil, fmt.Errorf("block %d out of range", height)
	}
	return s.blocks[height], nil
}

func (s *SimulatedBtcClient) GetMempoolTxIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mempool...), nil
}
