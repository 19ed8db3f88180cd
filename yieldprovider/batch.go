package yieldprovider

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/TEENet-io/atlas-bridge/state"
)

var (
	keyLastTxHash  = []byte("withdraw/last_tx_hash")
	keyRawTx       = []byte("withdraw/raw_tx")
	keyReadyToSend = []byte("withdraw/ready_to_send")
	keyRecords     = []byte("withdraw/records")
	keyAmount      = []byte("withdraw/amount")
)

// BatchRecord is one ledger record bundled into a withdrawal.
type BatchRecord struct {
	Kind state.Kind `json:"kind"`
	Key  string     `json:"key"`
}

// Batch is a signed withdrawal that may span several reconciliation
// cycles before every bundled record points at it.
type Batch struct {
	TxHash      string
	RawTx       []byte
	ReadyToSend bool
	Records     []BatchRecord
	Amount      int64
}

// BatchStore persists the one in-flight withdrawal batch.
type BatchStore struct {
	db *leveldb.DB
}

func OpenBatchStore(dir string) (*BatchStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open withdrawal scratch %s: %w", dir, err)
	}
	return &BatchStore{db: db}, nil
}

// NewMemoryBatchStore keeps the scratch state in memory, for tests.
func NewMemoryBatchStore() (*BatchStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &BatchStore{db: db}, nil
}

func (s *BatchStore) Close() error {
	return s.db.Close()
}

// Load returns the stored batch, or nil when there is none.
func (s *BatchStore) Load() (*Batch, error) {
	txHash, err := s.db.Get(keyLastTxHash, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b := &Batch{TxHash: string(txHash)}
	rawHex, err := s.db.Get(keyRawTx, nil)
	if err != nil {
		return nil, err
	}
	if b.RawTx, err = hex.DecodeString(string(rawHex)); err != nil {
		return nil, fmt.Errorf("corrupt withdrawal raw tx: %w", err)
	}
	ready, err := s.db.Get(keyReadyToSend, nil)
	if err != nil {
		return nil, err
	}
	b.ReadyToSend = string(ready) == "1"

	records, err := s.db.Get(keyRecords, nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(records, &b.Records); err != nil {
		return nil, fmt.Errorf("corrupt withdrawal records: %w", err)
	}
	amount, err := s.db.Get(keyAmount, nil)
	if err != nil {
		return nil, err
	}
	if b.Amount, err = strconv.ParseInt(string(amount), 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt withdrawal amount: %w", err)
	}
	return b, nil
}

// Save replaces the stored batch atomically.
func (s *BatchStore) Save(b *Batch) error {
	records, err := json.Marshal(b.Records)
	if err != nil {
		return err
	}
	ready := "0"
	if b.ReadyToSend {
		ready = "1"
	}
	wb := new(leveldb.Batch)
	wb.Put(keyLastTxHash, []byte(b.TxHash))
	wb.Put(keyRawTx, []byte(hex.EncodeToString(b.RawTx)))
	wb.Put(keyReadyToSend, []byte(ready))
	wb.Put(keyRecords, records)
	wb.Put(keyAmount, []byte(strconv.FormatInt(b.Amount, 10)))
	return s.db.Write(wb, nil)
}

// Clear drops the batch once every record has moved past it.
func (s *BatchStore) Clear() error {
	wb := new(leveldb.Batch)
	for _, k := range [][]byte{keyLastTxHash, keyRawTx, keyReadyToSend, keyRecords, keyAmount} {
		wb.Delete(k)
	}
	return s.db.Write(wb, nil)
}
