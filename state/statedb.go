package state

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TEENet-io/atlas-bridge/agreement"
	"github.com/TEENet-io/atlas-bridge/database"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrConflict         = errors.New("record status changed concurrently")
	ErrStatusRegression = errors.New("status regression is not allowed")
	ErrColumnNotAllowed = errors.New("column cannot be written")
)

// StateDB is the transfer ledger: the only place transfer state lives.
// Every status change is a compare-and-swap on the current status.
type StateDB struct {
	stmtCache *database.StmtCache
	now       func() time.Time
}

func NewStateDB(db *sql.DB) (*StateDB, error) {
	// 1. Create the tables.
	if _, err := db.Exec(depositTable + redemptionTable + bridgingTable + processedTable + kvTable); err != nil {
		return nil, err
	}

	// 2. A stmt cache + db.
	return &StateDB{
		stmtCache: database.NewStmtCache(db),
		now:       time.Now,
	}, nil
}

func (st *StateDB) Close() {
	st.stmtCache.Clear()
}

func (st *StateDB) millis() int64 {
	return st.now().UnixMilli()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(kind Kind, row scanner) (Record, error) {
	rec := newRecord(kind)
	b := rec.Base()

	var (
		status                      int
		remarksKind                 int
		remarksAt, created, updated int64
	)
	dest := []interface{}{
		&b.Key, &status, &b.Remarks, &remarksKind, &remarksAt,
		&b.VerifiedCount, &b.MintedTxnHashVerifiedCount,
		&b.ProtocolFee, &b.MintingFee, &b.YieldProviderGasFee,
		&created, &updated,
	}
	dest = append(dest, rec.extra()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	b.Status = Status(status)
	b.RemarksKind = agreement.RecoverableErrorKind(remarksKind)
	if remarksAt != 0 {
		b.RemarksAt = time.UnixMilli(remarksAt)
	}
	b.CreatedAt = time.UnixMilli(created)
	b.UpdatedAt = time.UnixMilli(updated)
	return rec, nil
}

// Get returns the record of kind stored under key, or ErrNotFound.
func (st *StateDB) Get(kind Kind, key string) (Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE key = ?`, selectColumns(kind), kind.table())
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(kind, stmt.QueryRow(key))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (st *StateDB) GetDeposit(key string) (*Deposit, error) {
	rec, err := st.Get(KindDeposit, key)
	if err != nil {
		return nil, err
	}
	return rec.(*Deposit), nil
}

func (st *StateDB) GetRedemption(key string) (*Redemption, error) {
	rec, err := st.Get(KindRedemption, key)
	if err != nil {
		return nil, err
	}
	return rec.(*Redemption), nil
}

func (st *StateDB) GetBridging(key string) (*Bridging, error) {
	rec, err := st.Get(KindBridging, key)
	if err != nil {
		return nil, err
	}
	return rec.(*Bridging), nil
}

func insertQuery(kind Kind) string {
	cols := selectColumns(kind)
	n := len(strings.Split(cols, ","))
	return fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (%s)`,
		kind.table(), cols, strings.TrimSuffix(strings.Repeat("?,", n), ","))
}

func insertArgs(rec Record) []interface{} {
	b := rec.Base()
	var remarksAt int64
	if !b.RemarksAt.IsZero() {
		remarksAt = b.RemarksAt.UnixMilli()
	}
	args := []interface{}{
		b.Key, int(b.Status), b.Remarks, int(b.RemarksKind), remarksAt,
		b.VerifiedCount, b.MintedTxnHashVerifiedCount,
		b.ProtocolFee, b.MintingFee, b.YieldProviderGasFee,
		b.CreatedAt.UnixMilli(), b.UpdatedAt.UnixMilli(),
	}
	// extra() hands out pointers; the driver wants values
	for _, p := range rec.extra() {
		switch v := p.(type) {
		case *string:
			args = append(args, *v)
		case *int64:
			args = append(args, *v)
		default:
			panic(fmt.Sprintf("unsupported column type %T", p))
		}
	}
	return args
}

// InsertIfAbsent creates rec unless a record with the same key exists.
// It reports whether a row was written. Fees are fixed here for good.
func (st *StateDB) InsertIfAbsent(rec Record) (bool, error) {
	b := rec.Base()
	if b.Key == "" {
		return false, errors.New("empty record key")
	}
	if !validStatus(rec.Kind(), b.Status) {
		return false, fmt.Errorf("invalid %s status %d", rec.Kind(), b.Status)
	}
	now := st.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	return st.insert(st.stmtCache.Prepare, rec)
}

func (st *StateDB) insert(prepare func(string) (*sql.Stmt, error), rec Record) (bool, error) {
	stmt, err := prepare(insertQuery(rec.Kind()))
	if err != nil {
		return false, err
	}
	res, err := stmt.Exec(insertArgs(rec)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPage returns up to limit records of kind in insertion order.
func (st *StateDB) ListPage(kind Kind, offset, limit int) ([]Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY rowid LIMIT ? OFFSET ?`, selectColumns(kind), kind.table())
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (st *StateDB) Count(kind Kind) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, kind.table())
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return 0, err
	}
	var n int
	if err := stmt.QueryRow().Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountByStatus returns the number of records of kind per status.
func (st *StateDB) CountByStatus(kind Kind) (map[Status]int, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, kind.table())
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var s, n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

func (st *StateDB) GetKeyedValue(key string) (string, bool, error) {
	query := `SELECT value FROM kv WHERE key = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return "", false, err
	}

	var value string
	if err := stmt.QueryRow(key).Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (st *StateDB) SetKeyedValue(key, value string) error {
	query := `INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(key, value)
	return err
}

func cursorKey(name string) string {
	return "cursor/" + name
}

// GetCursor returns the last processed block height stored under name.
func (st *StateDB) GetCursor(name string) (uint64, bool, error) {
	v, ok, err := st.GetKeyedValue(cursorKey(name))
	if err != nil || !ok {
		return 0, ok, err
	}
	var h uint64
	if _, err := fmt.Sscanf(v, "%d", &h); err != nil {
		return 0, false, fmt.Errorf("corrupt cursor %s=%q: %w", name, v, err)
	}
	return h, true, nil
}

func (st *StateDB) SetCursor(name string, height uint64) error {
	return st.SetKeyedValue(cursorKey(name), fmt.Sprintf("%d", height))
}
