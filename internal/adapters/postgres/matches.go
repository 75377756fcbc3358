package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"facefinder/internal/domain"
)

// InsertMatches writes every item in one batch inside a single transaction.
// Items already recorded for the scan (a retried run) are skipped.
func (db *DB) InsertMatches(ctx context.Context, items []domain.MatchedItem) (inserted int, err error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for _, it := range items {
		md, mErr := json.Marshal(it.Metadata)
		if mErr != nil {
			return 0, fmt.Errorf("encode metadata for %s: %w", it.RemoteID, mErr)
		}
		batch.Queue(`
			INSERT INTO matched_items (scan_id, remote_id, remote_url, blob_url, blob_key, confidence, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (scan_id, remote_id) DO NOTHING
		`, it.ScanID, it.RemoteID, it.RemoteURL, it.BlobURL, it.BlobKey, it.Confidence, md)
	}

	br := tx.SendBatch(ctx, batch)
	for range items {
		tag, execErr := br.Exec()
		if execErr != nil {
			_ = br.Close()
			return 0, execErr
		}
		inserted += int(tag.RowsAffected())
	}
	if err = br.Close(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (db *DB) ListMatches(ctx context.Context, scanID string) ([]domain.MatchedItem, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, scan_id, remote_id, remote_url, blob_url, blob_key, confidence, metadata, created_at
		FROM matched_items
		WHERE scan_id = $1
		ORDER BY created_at, remote_id
	`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MatchedItem
	for rows.Next() {
		var it domain.MatchedItem
		var md []byte
		if err := rows.Scan(&it.ID, &it.ScanID, &it.RemoteID, &it.RemoteURL, &it.BlobURL, &it.BlobKey, &it.Confidence, &md, &it.CreatedAt); err != nil {
			return nil, err
		}
		if len(md) > 0 {
			if err := json.Unmarshal(md, &it.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", it.RemoteID, err)
			}
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (db *DB) CountMatches(ctx context.Context, scanID string) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM matched_items WHERE scan_id = $1`, scanID).Scan(&n)
	return n, err
}
