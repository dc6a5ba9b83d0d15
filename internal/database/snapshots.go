package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveSnapshot persists a snapshot, its evidence rows and the project's
// last_snapshot_at cursor in one transaction. A snapshot with an existing id
// is replaced along with its evidence.
func (db *DB) SaveSnapshot(s *Snapshot) error {
	payload, err := json.Marshal(s.Status)
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	now := db.stamp()

	return db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM snapshot_evidence WHERE snapshot_id = ?`, s.ID); err != nil {
			return fmt.Errorf("clearing evidence for %s: %w", s.ID, err)
		}

		_, err := tx.Exec(
			`INSERT INTO project_status_snapshots
				(snapshot_id, project_id, snapshot_at, window_start, window_end, status_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(snapshot_id) DO UPDATE SET
				snapshot_at = excluded.snapshot_at,
				window_start = excluded.window_start,
				window_end = excluded.window_end,
				status_json = excluded.status_json,
				created_at = excluded.created_at`,
			s.ID, s.ProjectID, FormatTime(s.SnapshotAt), FormatTime(s.WindowStart), FormatTime(s.WindowEnd),
			string(payload), now,
		)
		if err != nil {
			return fmt.Errorf("saving snapshot %s: %w", s.ID, err)
		}

		for _, section := range Sections {
			for _, item := range s.Status.Section(section) {
				for _, eventID := range item.EventIDs {
					_, err := tx.Exec(
						`INSERT INTO snapshot_evidence (snapshot_id, event_id, section, created_at)
						VALUES (?, ?, ?, ?)
						ON CONFLICT DO NOTHING`,
						s.ID, eventID, section, now,
					)
					if err != nil {
						return fmt.Errorf("saving evidence %s/%s: %w", section, eventID, err)
					}
				}
			}
		}

		return advanceCheckpoint(tx, s.ProjectID, CheckpointSnapshot, FormatTime(s.SnapshotAt))
	})
}

// GetLatestSnapshot returns the most recent snapshot for a project, or nil
// if synthesis never produced one.
func (db *DB) GetLatestSnapshot(projectID string) (*Snapshot, error) {
	rows, err := db.conn.Query(
		`SELECT `+snapshotColumns+` FROM v_project_latest_snapshot
		WHERE project_id = ? ORDER BY created_at DESC LIMIT 1`, projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	snaps, err := scanSnapshots(rows)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return &snaps[0], nil
}

// GetSnapshot returns a snapshot by id, or nil if not found.
func (db *DB) GetSnapshot(id string) (*Snapshot, error) {
	rows, err := db.conn.Query(`SELECT `+snapshotColumns+` FROM project_status_snapshots WHERE snapshot_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	snaps, err := scanSnapshots(rows)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return &snaps[0], nil
}

// ListSnapshots returns a project's snapshots, newest first.
func (db *DB) ListSnapshots(projectID string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(
		`SELECT `+snapshotColumns+` FROM project_status_snapshots
		WHERE project_id = ? ORDER BY snapshot_at DESC LIMIT ?`, projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// GetSnapshotEvidence returns the evidence rows of a snapshot.
func (db *DB) GetSnapshotEvidence(snapshotID string) ([]Evidence, error) {
	rows, err := db.conn.Query(
		`SELECT snapshot_id, event_id, section FROM snapshot_evidence
		WHERE snapshot_id = ? ORDER BY section, event_id`, snapshotID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evidence []Evidence
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.SnapshotID, &e.EventID, &e.Section); err != nil {
			return nil, err
		}
		evidence = append(evidence, e)
	}
	return evidence, rows.Err()
}

const snapshotColumns = `snapshot_id, project_id, snapshot_at, window_start, window_end, status_json, created_at`

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var snaps []Snapshot
	for rows.Next() {
		var s Snapshot
		var at, start, end, payload string
		var created sql.NullString
		if err := rows.Scan(&s.ID, &s.ProjectID, &at, &start, &end, &payload, &created); err != nil {
			return nil, err
		}
		s.SnapshotAt, _ = ParseTime(at)
		s.WindowStart, _ = ParseTime(start)
		s.WindowEnd, _ = ParseTime(end)
		if err := json.Unmarshal([]byte(payload), &s.Status); err != nil {
			return nil, fmt.Errorf("decoding status of %s: %w", s.ID, err)
		}
		if created.Valid {
			s.CreatedAt = &created.String
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
