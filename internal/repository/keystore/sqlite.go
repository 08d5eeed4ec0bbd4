package keystore

import (
	"context"
	"database/sql"
	"e2e_call/internal/model"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the key database at path.
// ":memory:" gives a private in-memory store.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps ":memory:" a single database and serialises writes
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS key_pairs (
		user_id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, userID string) (*model.KeyPair, error) {
	const q = `SELECT public_key, private_key, created_at FROM key_pairs WHERE user_id = ?`

	kp := model.KeyPair{UserID: userID}
	var createdAt int64
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&kp.PublicKey, &kp.PrivateKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key pair: %w", err)
	}
	kp.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &kp, nil
}

func (s *SQLite) Put(ctx context.Context, kp *model.KeyPair) error {
	if kp == nil || kp.UserID == "" {
		return fmt.Errorf("put key pair: user id cannot be empty")
	}
	const q = `
	INSERT INTO key_pairs (user_id, public_key, private_key, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO NOTHING`

	createdAt := kp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, q, kp.UserID, kp.PublicKey, kp.PrivateKey, createdAt.UnixMilli()); err != nil {
		return fmt.Errorf("put key pair: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM key_pairs WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete key pair: %w", err)
	}
	return nil
}

func (s *SQLite) Supported(ctx context.Context) bool {
	return s != nil && s.db != nil && s.db.PingContext(ctx) == nil
}
