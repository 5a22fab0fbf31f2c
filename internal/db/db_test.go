package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenAppliesPragmasAndSchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.db")
	dbm, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() {
		_ = dbm.Close()
	}()

	journal, busy, autoVacuum, err := dbm.Pragmas(context.Background())
	if err != nil {
		t.Fatalf("Pragmas() error = %v", err)
	}
	if journal != "wal" {
		t.Fatalf("journal mode = %q, want wal", journal)
	}
	if busy != 10000 {
		t.Fatalf("busy_timeout = %d, want 10000", busy)
	}
	if autoVacuum != 2 {
		t.Fatalf("auto_vacuum = %d, want 2", autoVacuum)
	}

	uploads, err := dbm.UploadCounts(context.Background(), 0)
	if err != nil {
		t.Fatalf("UploadCounts() error = %v", err)
	}
	if len(uploads) != 0 {
		t.Fatalf("upload counts = %v, want none", uploads)
	}
	if st := dbm.Stats(context.Background()); st.Status != "ok" || st.UploadRows != 0 || st.SizeBytes == 0 {
		t.Fatalf("stats = %+v, want ok with an empty non-zero-size file", st)
	}
}

func TestInsertBatchAndCounts(t *testing.T) {
	t.Parallel()

	dbm, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = dbm.Close() }()

	ctx := context.Background()
	err = dbm.InsertBatch(ctx,
		[]UploadRow{
			{CreatedAt: 10, Feature: "logging", File: "1", Status: "failure", StatusCode: 500, Events: 3, ErrorMessage: "transient intake error"},
			{CreatedAt: 20, Feature: "logging", File: "1", Status: "success", StatusCode: 202, Events: 3, RequestID: "req-2"},
			{CreatedAt: 30, Feature: "rum", File: "7", Status: "success", StatusCode: 202, Events: 5},
		},
		[]StorageRow{
			{CreatedAt: 15, Feature: "logging", File: "0", Reason: "evicted", Bytes: 100},
			{CreatedAt: 16, Feature: "logging", File: "2", Reason: "evicted", Bytes: 50},
		},
	)
	if err != nil {
		t.Fatalf("insert batch: %v", err)
	}

	uploads, err := dbm.UploadCounts(ctx, 0)
	if err != nil {
		t.Fatalf("upload counts: %v", err)
	}
	want := []UploadCount{
		{Feature: "logging", Status: "failure", Attempts: 1, Events: 3},
		{Feature: "logging", Status: "success", Attempts: 1, Events: 3},
		{Feature: "rum", Status: "success", Attempts: 1, Events: 5},
	}
	if len(uploads) != len(want) {
		t.Fatalf("upload counts = %+v, want %+v", uploads, want)
	}
	for i := range want {
		if uploads[i] != want[i] {
			t.Fatalf("upload count[%d] = %+v, want %+v", i, uploads[i], want[i])
		}
	}

	removals, err := dbm.StorageCounts(ctx, 0)
	if err != nil {
		t.Fatalf("storage counts: %v", err)
	}
	if len(removals) != 1 || removals[0].Count != 2 || removals[0].Bytes != 150 {
		t.Fatalf("storage counts = %+v", removals)
	}

	latest, err := dbm.LatestUpload(ctx, "logging")
	if err != nil {
		t.Fatalf("latest upload: %v", err)
	}
	if latest.Status != "success" || latest.RequestID != "req-2" {
		t.Fatalf("latest upload = %+v", latest)
	}
	if _, err := dbm.LatestUpload(ctx, "traces"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("latest upload for unknown feature error = %v, want sql.ErrNoRows", err)
	}

	st := dbm.Stats(ctx)
	if st.UploadRows != 3 || st.StorageRows != 2 {
		t.Fatalf("stats rows = %d uploads, %d storage; want 3 and 2", st.UploadRows, st.StorageRows)
	}
}
