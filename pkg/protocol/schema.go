package protocol

// SchemaDDL defines the SQLite schema for the swarm event mirror.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Supervisor event mirror: heartbeat beats and Ralph iteration events
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    worker TEXT,
    run_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS events_worker_idx ON events(worker, id);
`
