// Package db provides the SQLite storage layer of the Hawk gateway.
// It holds the credential table the engine resolves key ids against and the
// seen_nonces table backing durable replay protection.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"hawk-auth-gateway/pkg/auth"
	"hawk-auth-gateway/pkg/models"
)

// KeyDB provides database operations for credentials and nonce tracking.
type KeyDB struct {
	db *sql.DB // SQLite database connection
}

var _ auth.CredentialStore = (*KeyDB)(nil)

// NewKeyDB opens the SQLite database at dbPath, enables WAL mode for
// concurrent readers and creates the required tables.
func NewKeyDB(dbPath string) (*KeyDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	k := &KeyDB{db: db}
	if err := k.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return k, nil
}

// createTables initializes the credential and nonce tables.
// seen_at is stored as unix nanoseconds so range scans compare integers.
func (k *KeyDB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			key_id TEXT PRIMARY KEY,
			secret TEXT NOT NULL,
			algorithm TEXT NOT NULL DEFAULT 'sha256',
			disabled BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS seen_nonces (
			key_id TEXT NOT NULL,
			nonce TEXT NOT NULL,
			seen_at INTEGER NOT NULL,
			PRIMARY KEY (key_id, nonce)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_seen_nonces_seen_at ON seen_nonces(seen_at)`,
	}

	for _, query := range queries {
		if _, err := k.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

// Resolve implements auth.CredentialStore. Missing and disabled keys return
// auth.ErrUnknownKey; database failures wrap auth.ErrStoreUnavailable.
func (k *KeyDB) Resolve(ctx context.Context, keyID string) (*auth.Credential, error) {
	row := k.db.QueryRowContext(ctx, `
		SELECT secret, algorithm, disabled FROM credentials WHERE key_id = ?`, keyID)

	var secret, algorithm string
	var disabled bool
	err := row.Scan(&secret, &algorithm, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get credential: %w", auth.ErrStoreUnavailable, err)
	}
	if disabled {
		return nil, auth.ErrUnknownKey
	}

	alg, err := auth.ParseAlgorithm(algorithm)
	if err != nil {
		return nil, fmt.Errorf("credential %q: %w", keyID, err)
	}
	return &auth.Credential{KeyID: keyID, Secret: []byte(secret), Algorithm: alg}, nil
}

// PutCredential inserts or replaces a credential and re-enables it.
func (k *KeyDB) PutCredential(ctx context.Context, rec models.CredentialRecord) error {
	if strings.TrimSpace(rec.KeyID) == "" || rec.Secret == "" {
		return fmt.Errorf("credential requires key id and secret")
	}
	alg, err := auth.ParseAlgorithm(rec.Algorithm)
	if err != nil {
		return err
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = k.db.ExecContext(ctx, `
		INSERT INTO credentials (key_id, secret, algorithm, disabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET
			secret = excluded.secret,
			algorithm = excluded.algorithm,
			disabled = excluded.disabled`,
		rec.KeyID, rec.Secret, alg.String(), rec.Disabled, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// DisableCredential marks a key as disabled. Unknown keys return auth.ErrUnknownKey.
func (k *KeyDB) DisableCredential(ctx context.Context, keyID string) error {
	res, err := k.db.ExecContext(ctx, `UPDATE credentials SET disabled = 1 WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("failed to disable credential: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return auth.ErrUnknownKey
	}
	return nil
}

// ListCredentials returns all credential records ordered by key id. Secrets
// are included; callers must not log or serialize them.
func (k *KeyDB) ListCredentials(ctx context.Context) ([]models.CredentialRecord, error) {
	rows, err := k.db.QueryContext(ctx, `
		SELECT key_id, secret, algorithm, disabled, created_at
		FROM credentials ORDER BY key_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var records []models.CredentialRecord
	for rows.Next() {
		var rec models.CredentialRecord
		if err := rows.Scan(&rec.KeyID, &rec.Secret, &rec.Algorithm, &rec.Disabled, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return records, nil
}

// EnsureNonce records a nonce. existed is true when the key already used it.
func (k *KeyDB) EnsureNonce(ctx context.Context, rec models.SeenNonce) (bool, error) {
	if rec.KeyID == "" || rec.Nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	seenAt := rec.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}

	res, err := k.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO seen_nonces (key_id, nonce, seen_at) VALUES (?, ?, ?)",
		rec.KeyID, rec.Nonce, seenAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to save nonce: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	// No row inserted means the nonce was already there
	return rows == 0, nil
}

// HasSeenNonce reports whether keyID used nonce.
func (k *KeyDB) HasSeenNonce(ctx context.Context, keyID, nonce string) (bool, error) {
	var count int
	err := k.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM seen_nonces WHERE key_id = ? AND nonce = ?", keyID, nonce).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return count > 0, nil
}

// RecentNonces returns nonces seen at or after cutoff, oldest first.
func (k *KeyDB) RecentNonces(ctx context.Context, cutoff time.Time) ([]models.SeenNonce, error) {
	rows, err := k.db.QueryContext(ctx, `
		SELECT key_id, nonce, seen_at FROM seen_nonces
		WHERE seen_at >= ? ORDER BY seen_at`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query nonces: %w", err)
	}
	defer rows.Close()

	var records []models.SeenNonce
	for rows.Next() {
		var rec models.SeenNonce
		var nanos int64
		if err := rows.Scan(&rec.KeyID, &rec.Nonce, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan nonce: %w", err)
		}
		rec.SeenAt = time.Unix(0, nanos).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes nonces seen before cutoff.
func (k *KeyDB) PruneNonces(ctx context.Context, cutoff time.Time) error {
	_, err := k.CleanupOldNonces(ctx, cutoff)
	return err
}

// CleanupOldNonces deletes nonces seen before olderThan and returns how many were removed.
func (k *KeyDB) CleanupOldNonces(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := k.db.ExecContext(ctx, "DELETE FROM seen_nonces WHERE seen_at < ?", olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old nonces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Ping checks the database connection for readiness probes.
func (k *KeyDB) Ping(ctx context.Context) error {
	return k.db.PingContext(ctx)
}

// Close closes the database.
func (k *KeyDB) Close() error {
	return k.db.Close()
}
