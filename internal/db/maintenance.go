package db

import (
	"context"
	"fmt"
	"time"
)

func (m *Manager) CheckpointIfWALExceeds(ctx context.Context, thresholdBytes int64) (bool, error) {
	if fileSize(m.path+"-wal") <= thresholdBytes {
		return false, nil
	}
	if _, err := m.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		return false, fmt.Errorf("wal restart checkpoint: %w", err)
	}
	return true, nil
}

// CleanupOld deletes ledger rows older than retention and returns how
// many were removed.
func (m *Manager) CleanupOld(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention).UnixMilli()
	var deleted int64
	for _, table := range []string{"upload_log", "storage_log"} {
		res, err := m.writer.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff)
		if err != nil {
			return deleted, fmt.Errorf("cleanup %s: %w", table, err)
		}
		affected, _ := res.RowsAffected()
		deleted += affected
	}

	_, _ = m.writer.ExecContext(ctx, "PRAGMA incremental_vacuum(1000)")
	return deleted, nil
}
