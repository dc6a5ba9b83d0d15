package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS projects (
    project_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    created_at TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS project_scopes (
    scope_id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(project_id),
    source_type TEXT NOT NULL,
    scope_kind TEXT NOT NULL,
    scope_value TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    event_id TEXT PRIMARY KEY,
    source_type TEXT NOT NULL,
    source_ref TEXT NOT NULL,
    occurred_at TEXT NOT NULL,
    ingested_at TEXT NOT NULL,
    container_id TEXT,
    container_name TEXT,
    actor_id TEXT,
    actor_display TEXT,
    event_kind TEXT NOT NULL,
    title TEXT,
    text TEXT NOT NULL,
    permalink TEXT,
    raw_json TEXT
);

CREATE TABLE IF NOT EXISTS event_project_links (
    event_id TEXT NOT NULL REFERENCES events(event_id),
    project_id TEXT NOT NULL REFERENCES projects(project_id),
    attribution_type TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 1.0 CHECK(confidence >= 0.0 AND confidence <= 1.0),
    rationale TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (event_id, project_id)
);

CREATE TABLE IF NOT EXISTS project_status_snapshots (
    snapshot_id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(project_id),
    snapshot_at TEXT NOT NULL,
    window_start TEXT NOT NULL,
    window_end TEXT NOT NULL,
    status_json TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_evidence (
    snapshot_id TEXT NOT NULL REFERENCES project_status_snapshots(snapshot_id),
    event_id TEXT NOT NULL REFERENCES events(event_id),
    section TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (snapshot_id, event_id, section)
);

CREATE TABLE IF NOT EXISTS project_checkpoints (
    project_id TEXT PRIMARY KEY REFERENCES projects(project_id),
    last_viewed_at TEXT,
    last_ingested_at TEXT,
    last_snapshot_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_scopes_project ON project_scopes(project_id);
CREATE INDEX IF NOT EXISTS idx_scopes_lookup ON project_scopes(source_type, scope_kind, scope_value);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_source_ref ON events(source_type, source_ref);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_container ON events(source_type, container_id);
CREATE INDEX IF NOT EXISTS idx_epl_project ON event_project_links(project_id);
CREATE INDEX IF NOT EXISTS idx_epl_event ON event_project_links(event_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_project_time ON project_status_snapshots(project_id, snapshot_at);
CREATE INDEX IF NOT EXISTS idx_evidence_snapshot ON snapshot_evidence(snapshot_id);
CREATE INDEX IF NOT EXISTS idx_evidence_event ON snapshot_evidence(event_id);

CREATE VIEW IF NOT EXISTS v_project_latest_snapshot AS
SELECT s.*
FROM project_status_snapshots s
JOIN (
    SELECT project_id, MAX(snapshot_at) AS max_snapshot_at
    FROM project_status_snapshots
    GROUP BY project_id
) latest
ON latest.project_id = s.project_id AND latest.max_snapshot_at = s.snapshot_at;

CREATE VIEW IF NOT EXISTS v_project_events AS
SELECT
    l.project_id,
    e.event_id,
    e.source_type,
    e.source_ref,
    e.occurred_at,
    e.ingested_at,
    e.container_id,
    e.container_name,
    e.actor_id,
    e.actor_display,
    e.event_kind,
    e.title,
    e.text,
    e.permalink,
    e.raw_json,
    l.attribution_type,
    l.confidence,
    l.rationale,
    l.created_at AS linked_at
FROM events e
JOIN event_project_links l ON l.event_id = e.event_id;
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "unique project scopes",
		Up: func(tx *sql.Tx) error {
			// Collapse duplicates left by repeated bootstrap runs before
			// enforcing uniqueness.
			_, err := tx.Exec(`
DELETE FROM project_scopes
WHERE rowid NOT IN (
    SELECT MIN(rowid) FROM project_scopes
    GROUP BY project_id, source_type, scope_kind, scope_value
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_scopes_unique
    ON project_scopes(project_id, source_type, scope_kind, scope_value);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
