package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"facefinder/internal/domain"
)

func (db *DB) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	s := domain.Session{ID: sessionID}
	var raw []byte
	err := db.Pool.QueryRow(ctx, `SELECT fingerprints, expires_at FROM sessions WHERE id = $1`, sessionID).Scan(&raw, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, domain.ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(raw, &s.Fingerprints); err != nil {
		return s, fmt.Errorf("decode fingerprints: %w", err)
	}
	return s, nil
}

// CreateSession stores reference fingerprints for `facefinder seed`.
func (db *DB) CreateSession(ctx context.Context, fingerprints [][]float64, expiresAt time.Time) (string, error) {
	raw, err := json.Marshal(fingerprints)
	if err != nil {
		return "", err
	}
	var id string
	err = db.Pool.QueryRow(ctx, `
		INSERT INTO sessions (fingerprints, expires_at) VALUES ($1, $2) RETURNING id
	`, raw, expiresAt).Scan(&id)
	return id, err
}
