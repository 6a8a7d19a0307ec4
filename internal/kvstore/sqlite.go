package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the production Store, backed by a single-file SQLite
// database in the daemon's data directory. Beyond the key/value surface it
// also persists outbound queue journal rows, so a restart does not lose
// undelivered messages.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at dbPath and applies schema
// migrations. The parent directory is created when missing.
func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL keeps readers unblocked while the worker goroutines write.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger.With("component", "kvstore")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) setValue(namespace, key, kind string, num int64, blob []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (namespace, key, kind, int_value, blob_value)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key)
		 DO UPDATE SET kind = excluded.kind, int_value = excluded.int_value, blob_value = excluded.blob_value`,
		namespace, key, kind, num, blob,
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *SQLiteStore) getValue(namespace, key, wantKind string) (int64, []byte, error) {
	var kind string
	var num sql.NullInt64
	var blob []byte
	err := s.db.QueryRow(
		`SELECT kind, int_value, blob_value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&kind, &num, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	if kind != wantKind {
		return 0, nil, ErrTypeMismatch
	}
	return num.Int64, blob, nil
}

func (s *SQLiteStore) SetU8(namespace, key string, value uint8) error {
	return s.setValue(namespace, key, kindU8, int64(value), nil)
}

func (s *SQLiteStore) GetU8(namespace, key string) (uint8, error) {
	num, _, err := s.getValue(namespace, key, kindU8)
	if err != nil {
		return 0, err
	}
	return uint8(num), nil
}

func (s *SQLiteStore) SetU32(namespace, key string, value uint32) error {
	return s.setValue(namespace, key, kindU32, int64(value), nil)
}

func (s *SQLiteStore) GetU32(namespace, key string) (uint32, error) {
	num, _, err := s.getValue(namespace, key, kindU32)
	if err != nil {
		return 0, err
	}
	return uint32(num), nil
}

func (s *SQLiteStore) SetBlob(namespace, key string, value []byte) error {
	return s.setValue(namespace, key, kindBlob, 0, value)
}

func (s *SQLiteStore) GetBlob(namespace, key string) ([]byte, error) {
	_, blob, err := s.getValue(namespace, key, kindBlob)
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *SQLiteStore) Delete(namespace, key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *SQLiteStore) EraseNamespace(namespace string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return fmt.Errorf("erase namespace %s: %w", namespace, err)
	}
	return nil
}

// --- Outbound journal rows ---
//
// The outbound queue journals each live message as an encoded blob keyed by
// its queue id, and deletes the row once the message leaves the queue. The
// encoding is owned by the outbound package; this layer stores bytes.

// SaveMessage inserts or replaces a journal row.
func (s *SQLiteStore) SaveMessage(id uint32, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO outbound_journal (id, data) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		int64(id), data,
	)
	if err != nil {
		return fmt.Errorf("journal save %d: %w", id, err)
	}
	return nil
}

// DeleteMessage removes a journal row. Missing rows are not an error.
func (s *SQLiteStore) DeleteMessage(id uint32) error {
	_, err := s.db.Exec(`DELETE FROM outbound_journal WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("journal delete %d: %w", id, err)
	}
	return nil
}

// LoadMessages calls fn for every journal row in id order. fn must not call
// back into the store; the single connection is held for the whole scan.
func (s *SQLiteStore) LoadMessages(fn func(id uint32, data []byte) error) error {
	rows, err := s.db.Query(`SELECT id, data FROM outbound_journal ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("journal load: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("journal scan: %w", err)
		}
		if err := fn(uint32(id), data); err != nil {
			return err
		}
	}
	return rows.Err()
}
