package database

import (
	"database/sql"
	"fmt"
	"time"
)

// GetCheckpoint returns the cursor row for a project, or nil if the project
// was never ingested, snapshotted or viewed.
func (db *DB) GetCheckpoint(projectID string) (*Checkpoint, error) {
	var c Checkpoint
	var viewed, ingested, snapshot sql.NullString
	err := db.conn.QueryRow(
		`SELECT project_id, last_viewed_at, last_ingested_at, last_snapshot_at
		FROM project_checkpoints WHERE project_id = ?`, projectID,
	).Scan(&c.ProjectID, &viewed, &ingested, &snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastViewedAt = parseNullTime(viewed)
	c.LastIngestedAt = parseNullTime(ingested)
	c.LastSnapshotAt = parseNullTime(snapshot)
	return &c, nil
}

// AdvanceCheckpoint writes one cursor field for a project, leaving the
// other fields as they are.
func (db *DB) AdvanceCheckpoint(projectID, field string, t time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		return advanceCheckpoint(tx, projectID, field, FormatTime(t))
	})
}

func advanceCheckpoint(tx *sql.Tx, projectID, field, value string) error {
	switch field {
	case CheckpointViewed, CheckpointIngested, CheckpointSnapshot:
	default:
		return fmt.Errorf("unknown checkpoint field %q", field)
	}
	// field is one of the constants above, never user input.
	_, err := tx.Exec(
		`INSERT INTO project_checkpoints (project_id, `+field+`) VALUES (?, ?)
		ON CONFLICT(project_id) DO UPDATE SET `+field+` = excluded.`+field,
		projectID, value,
	)
	if err != nil {
		return fmt.Errorf("advancing %s for %s: %w", field, projectID, err)
	}
	return nil
}

// MarkViewed records that a project's pulse was looked at now.
func (db *DB) MarkViewed(projectID string) error {
	return db.AdvanceCheckpoint(projectID, CheckpointViewed, db.now())
}
