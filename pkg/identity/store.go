package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoToken means the cache holds no usable session token.
var ErrNoToken = errors.New("identity: no cached token")

// Store persists the device identity and the sealed token cache in a local
// SQLite database.
type Store struct {
	db     *sql.DB
	sealer *sealer
}

// Open opens (or creates) the identity database and loads or generates the
// device identity.
func Open(dbPath string) (*Store, *Device, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: open db: %w", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("identity: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("identity: set busy_timeout: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	s := &Store{db: db}
	dev, err := s.loadOrCreateDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	s.sealer = newSealer(dev.Serial)
	return s, dev, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS device (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	client_id TEXT NOT NULL,
	serial TEXT NOT NULL,
	mac TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS token_cache (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	sealed BLOB NOT NULL,
	expires_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("identity: migrate: %w", err)
	}
	return nil
}

func (s *Store) loadOrCreateDevice(ctx context.Context) (*Device, error) {
	row := s.db.QueryRowContext(ctx, "SELECT client_id, serial, mac FROM device WHERE id = 1")

	dev := &Device{}
	err := row.Scan(&dev.ClientID, &dev.Serial, &dev.MAC)
	switch {
	case err == nil:
		return dev, nil
	case errors.Is(err, sql.ErrNoRows):
		dev, err = newDevice()
		if err != nil {
			return nil, err
		}
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO device (id, client_id, serial, mac, created_at) VALUES (1, ?, ?, ?, ?)",
			dev.ClientID, dev.Serial, dev.MAC, time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return nil, fmt.Errorf("identity: store device: %w", err)
		}
		return dev, nil
	default:
		return nil, fmt.Errorf("identity: load device: %w", err)
	}
}

// Token returns the cached session token, or ErrNoToken when missing or
// expired.
func (s *Store) Token(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, "SELECT sealed, expires_at FROM token_cache WHERE id = 1")

	var sealed []byte
	var expiresAt string
	if err := row.Scan(&sealed, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("identity: load token: %w", err)
	}

	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil || time.Now().After(exp) {
		return "", ErrNoToken
	}

	token, err := s.sealer.open(sealed)
	if err != nil {
		// A sealed blob that no longer opens (e.g. the serial changed) is
		// as good as missing.
		return "", ErrNoToken
	}
	return token, nil
}

// SetToken seals and caches a session token with its expiry.
func (s *Store) SetToken(ctx context.Context, token string, expiresAt time.Time) error {
	sealed, err := s.sealer.seal(token)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO token_cache (id, sealed, expires_at, updated_at) VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET sealed = excluded.sealed, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		sealed, expiresAt.UTC().Format(time.RFC3339), now,
	)
	if err != nil {
		return fmt.Errorf("identity: store token: %w", err)
	}
	return nil
}

// ClearToken removes the cached token, e.g. after the server rejects it.
func (s *Store) ClearToken(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM token_cache WHERE id = 1"); err != nil {
		return fmt.Errorf("identity: clear token: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
