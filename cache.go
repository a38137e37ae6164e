package electrum

import (
	"database/sql"
	"encoding/json"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

// BlockStore is the pluggable collaborator interface naming the core's
// dependency on persisted headers, keyed by height. The
// core assumes an at-most-one-writer discipline per key and tolerates
// benign duplicate writes of the same header at the same height.
type BlockStore interface {
	Get(height int32) (*PlainBlockHeader, bool, error)
	Put(header *PlainBlockHeader) error
}

// TransactionStore is the pluggable collaborator interface naming the
// core's dependency on persisted transactions, keyed by transaction hash.
type TransactionStore interface {
	Get(hash string) (*PlainTransaction, bool, error)
	Put(tx *PlainTransaction) error
}

// MemoryBlockStore is a trivial map-backed BlockStore, used by tests and by
// callers who don't want a persisted cache.
type MemoryBlockStore struct {
	mu      sync.RWMutex
	headers map[int32]*PlainBlockHeader
}

func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{headers: make(map[int32]*PlainBlockHeader)}
}

func (m *MemoryBlockStore) Get(height int32) (*PlainBlockHeader, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.headers[height]
	return h, ok, nil
}

func (m *MemoryBlockStore) Put(header *PlainBlockHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[header.BlockHeight] = header
	return nil
}

// MemoryTransactionStore is a trivial map-backed TransactionStore.
type MemoryTransactionStore struct {
	mu  sync.RWMutex
	txs map[string]*PlainTransaction
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{txs: make(map[string]*PlainTransaction)}
}

func (m *MemoryTransactionStore) Get(hash string) (*PlainTransaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[hash]
	return tx, ok, nil
}

func (m *MemoryTransactionStore) Put(tx *PlainTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.TransactionHash] = tx
	return nil
}

// SQLiteBlockStore and SQLiteTransactionStore adapt the prior TxCache
// concept (a pure-Go SQLite-backed cache used by GetVerboseTransaction /
// EnrichTransaction) into the BlockStore/TransactionStore collaborator
// interfaces this core names, keyed by height and by tx hash respectively.
type SQLiteBlockStore struct {
	db *sql.DB
}

// NewSQLiteBlockStore opens (creating if necessary) a SQLite-backed block
// header cache at the given DSN, e.g. "file:blocks.db?cache=shared".
func NewSQLiteBlockStore(dsn string) (*SQLiteBlockStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open block store")
	}
	const schema = `CREATE TABLE IF NOT EXISTS headers (
		height INTEGER PRIMARY KEY,
		payload TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "migrate block store")
	}
	return &SQLiteBlockStore{db: db}, nil
}

func (s *SQLiteBlockStore) Get(height int32) (*PlainBlockHeader, bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM headers WHERE height = ?`, height).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "query header")
	}
	var header PlainBlockHeader
	if err := json.Unmarshal([]byte(payload), &header); err != nil {
		return nil, false, errors.Wrap(err, "decode cached header")
	}
	return &header, true, nil
}

func (s *SQLiteBlockStore) Put(header *PlainBlockHeader) error {
	payload, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encode header")
	}
	_, err = s.db.Exec(`INSERT INTO headers (height, payload) VALUES (?, ?)
		ON CONFLICT(height) DO UPDATE SET payload = excluded.payload`, header.BlockHeight, payload)
	return errors.Wrap(err, "store header")
}

func (s *SQLiteBlockStore) Close() error { return s.db.Close() }

// SQLiteTransactionStore is the SQLite-backed TransactionStore.
type SQLiteTransactionStore struct {
	db *sql.DB
}

// NewSQLiteTransactionStore opens (creating if necessary) a SQLite-backed
// transaction cache at the given DSN.
func NewSQLiteTransactionStore(dsn string) (*SQLiteTransactionStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open transaction store")
	}
	const schema = `CREATE TABLE IF NOT EXISTS transactions (
		hash TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "migrate transaction store")
	}
	return &SQLiteTransactionStore{db: db}, nil
}

func (s *SQLiteTransactionStore) Get(hash string) (*PlainTransaction, bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM transactions WHERE hash = ?`, hash).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "query transaction")
	}
	var tx PlainTransaction
	if err := json.Unmarshal([]byte(payload), &tx); err != nil {
		return nil, false, errors.Wrap(err, "decode cached transaction")
	}
	return &tx, true, nil
}

func (s *SQLiteTransactionStore) Put(tx *PlainTransaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "encode transaction")
	}
	_, err = s.db.Exec(`INSERT INTO transactions (hash, payload) VALUES (?, ?)
		ON CONFLICT(hash) DO UPDATE SET payload = excluded.payload`, tx.TransactionHash, payload)
	return errors.Wrap(err, "store transaction")
}

func (s *SQLiteTransactionStore) Close() error { return s.db.Close() }
