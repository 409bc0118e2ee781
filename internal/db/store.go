package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/peterje/devrepl/internal/models"
)

// Store records device activity in the history database.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

func (s *Store) RecordExec(ctx context.Context, rec models.ExecRecord) (int64, error) {
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO execs (device, code, result, error, duration_ms, executed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Device, rec.Code, rec.Result, rec.Error, rec.Duration.Milliseconds(), rec.ExecutedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert exec: %w", err)
	}
	return result.LastInsertId()
}

func (s *Store) RecordTransfer(ctx context.Context, rec models.TransferRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (device, direction, name, bytes, status, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Device, string(rec.Direction), rec.Name, rec.Bytes, rec.Status, rec.Error, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert transfer: %w", err)
	}
	return result.LastInsertId()
}

// RecentExecs returns up to limit executions, newest first.
func (s *Store) RecentExecs(ctx context.Context, limit int) ([]models.ExecRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device, code, result, error, duration_ms, executed_at FROM execs ORDER BY executed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query execs: %w", err)
	}
	defer rows.Close()

	execs := []models.ExecRecord{}
	for rows.Next() {
		var rec models.ExecRecord
		var ms int64
		if err := rows.Scan(&rec.ID, &rec.Device, &rec.Code, &rec.Result, &rec.Error, &ms, &rec.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan exec: %w", err)
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		execs = append(execs, rec)
	}
	return execs, rows.Err()
}

// RecentTransfers returns up to limit transfers, newest first.
func (s *Store) RecentTransfers(ctx context.Context, limit int) ([]models.TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device, direction, name, bytes, status, error, created_at FROM transfers ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	transfers := []models.TransferRecord{}
	for rows.Next() {
		var rec models.TransferRecord
		var dir string
		if err := rows.Scan(&rec.ID, &rec.Device, &dir, &rec.Name, &rec.Bytes, &rec.Status, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		rec.Direction = models.Direction(dir)
		transfers = append(transfers, rec)
	}
	return transfers, rows.Err()
}
