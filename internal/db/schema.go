package db

const schemaDDL = `
CREATE TABLE IF NOT EXISTS upload_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at INTEGER NOT NULL,
  feature TEXT NOT NULL,
  file TEXT NOT NULL,
  request_id TEXT,
  status TEXT NOT NULL,
  status_code INTEGER NOT NULL DEFAULT 0,
  events INTEGER NOT NULL DEFAULT 0,
  bytes INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER,
  error_message TEXT
);

CREATE TABLE IF NOT EXISTS storage_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at INTEGER NOT NULL,
  feature TEXT NOT NULL,
  file TEXT,
  reason TEXT NOT NULL,
  bytes INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_upload_feature ON upload_log (feature, created_at);
CREATE INDEX IF NOT EXISTS idx_storage_feature ON storage_log (feature, reason, created_at);
`
