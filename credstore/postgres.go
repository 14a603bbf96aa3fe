package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const credentialSchema = `
CREATE TABLE IF NOT EXISTS credential_slots (
	profile    TEXT NOT NULL,
	slot       TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (profile, slot)
)`

// PostgresStore keeps slots as rows of the credential_slots table.
type PostgresStore struct {
	db      *sql.DB
	profile string
}

// NewPostgresStore wraps an open database. The caller owns db.
func NewPostgresStore(db *sql.DB, profile string) *PostgresStore {
	if profile == "" {
		profile = DefaultProfile
	}
	return &PostgresStore{db: db, profile: profile}
}

// OpenPostgresStore connects through the pgx driver and ensures the schema.
func OpenPostgresStore(ctx context.Context, databaseURL, profile string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := NewPostgresStore(db, profile)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the credential table if needed.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, credentialSchema); err != nil {
		return fmt.Errorf("create credential_slots: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, slot Slot) (string, error) {
	if err := validSlot(slot); err != nil {
		return "", err
	}
	var value string
	err := p.db.QueryRowContext(ctx, `
		SELECT value FROM credential_slots
		WHERE profile = $1 AND slot = $2
	`, p.profile, string(slot)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query %s: %w", slot, err)
	}
	return value, nil
}

func (p *PostgresStore) Set(ctx context.Context, slot Slot, value string) error {
	if value == "" {
		return p.Clear(ctx, slot)
	}
	if err := validSlot(slot); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credential_slots (profile, slot, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (profile, slot)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, p.profile, string(slot), value)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", slot, err)
	}
	return nil
}

func (p *PostgresStore) Clear(ctx context.Context, slot Slot) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM credential_slots
		WHERE profile = $1 AND slot = $2
	`, p.profile, string(slot))
	if err != nil {
		return fmt.Errorf("delete %s: %w", slot, err)
	}
	return nil
}

// Close closes the database handle.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
