package db

import (
	"context"
	"database/sql"
	"fmt"
)

type UploadRow struct {
	CreatedAt    int64  `json:"created_at_ms"`
	Feature      string `json:"feature"`
	File         string `json:"file"`
	RequestID    string `json:"request_id,omitempty"`
	Status       string `json:"status"`
	StatusCode   int    `json:"status_code"`
	Events       int    `json:"events"`
	Bytes        int64  `json:"bytes"`
	DurationMS   int64  `json:"duration_ms"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type StorageRow struct {
	CreatedAt int64
	Feature   string
	File      string
	Reason    string
	Bytes     int64
}

func (m *Manager) InsertBatch(ctx context.Context, uploads []UploadRow, storage []StorageRow) error {
	tx, err := m.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if len(uploads) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO upload_log (
  created_at, feature, file, request_id, status, status_code, events, bytes, duration_ms, error_message
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
		if err != nil {
			return fmt.Errorf("prepare upload insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range uploads {
			if _, err := stmt.ExecContext(
				ctx,
				row.CreatedAt,
				row.Feature,
				row.File,
				row.RequestID,
				row.Status,
				row.StatusCode,
				row.Events,
				row.Bytes,
				row.DurationMS,
				row.ErrorMessage,
			); err != nil {
				return fmt.Errorf("insert upload row: %w", err)
			}
		}
	}

	if len(storage) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO storage_log (created_at, feature, file, reason, bytes) VALUES (?, ?, ?, ?, ?)
`)
		if err != nil {
			return fmt.Errorf("prepare storage insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range storage {
			if _, err := stmt.ExecContext(ctx, row.CreatedAt, row.Feature, row.File, row.Reason, row.Bytes); err != nil {
				return fmt.Errorf("insert storage row: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UploadCount aggregates upload_log rows per feature and status.
type UploadCount struct {
	Feature  string `json:"feature"`
	Status   string `json:"status"`
	Attempts int64  `json:"attempts"`
	Events   int64  `json:"events"`
}

func (m *Manager) UploadCounts(ctx context.Context, since int64) ([]UploadCount, error) {
	rows, err := m.reader.QueryContext(ctx, `
SELECT feature, status, COUNT(*), COALESCE(SUM(events), 0)
FROM upload_log
WHERE created_at >= ?
GROUP BY feature, status
ORDER BY feature, status
`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UploadCount
	for rows.Next() {
		var c UploadCount
		if err := rows.Scan(&c.Feature, &c.Status, &c.Attempts, &c.Events); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StorageCount aggregates storage_log rows per feature and reason.
type StorageCount struct {
	Feature string `json:"feature"`
	Reason  string `json:"reason"`
	Count   int64  `json:"count"`
	Bytes   int64  `json:"bytes"`
}

func (m *Manager) StorageCounts(ctx context.Context, since int64) ([]StorageCount, error) {
	rows, err := m.reader.QueryContext(ctx, `
SELECT feature, reason, COUNT(*), COALESCE(SUM(bytes), 0)
FROM storage_log
WHERE created_at >= ?
GROUP BY feature, reason
ORDER BY feature, reason
`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StorageCount
	for rows.Next() {
		var c StorageCount
		if err := rows.Scan(&c.Feature, &c.Reason, &c.Count, &c.Bytes); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestUpload returns the most recent attempt for feature, or
// sql.ErrNoRows when there is none.
func (m *Manager) LatestUpload(ctx context.Context, feature string) (UploadRow, error) {
	var row UploadRow
	err := m.reader.QueryRowContext(ctx, `
SELECT created_at, feature, file, COALESCE(request_id,''), status, status_code, events, bytes, COALESCE(duration_ms,0), COALESCE(error_message,'')
FROM upload_log
WHERE feature = ?
ORDER BY id DESC LIMIT 1
`, feature).Scan(
		&row.CreatedAt,
		&row.Feature,
		&row.File,
		&row.RequestID,
		&row.Status,
		&row.StatusCode,
		&row.Events,
		&row.Bytes,
		&row.DurationMS,
		&row.ErrorMessage,
	)
	return row, err
}

// rowCount counts rows in one of the ledger tables; table is never user
// input.
func (m *Manager) rowCount(ctx context.Context, table string) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}
