package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("projectpulse:events"))

// EventID derives the event identifier from its dedup key, so a replayed
// item always maps to the same id.
func EventID(sourceType, sourceRef string) string {
	return uuid.NewSHA1(eventNamespace, []byte(sourceType+":"+sourceRef)).String()
}

// EventExists reports whether (sourceType, sourceRef) is already stored.
func (db *DB) EventExists(sourceType, sourceRef string) (bool, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM events WHERE source_type = ? AND source_ref = ?`, sourceType, sourceRef,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertEvent stores an event together with its attribution links in one
// transaction. Returns false without touching the store if the event's
// dedup key already exists.
func (db *DB) InsertEvent(ev *Event, links []Link) (bool, error) {
	if ev.ID == "" {
		ev.ID = EventID(ev.SourceType, ev.SourceRef)
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = db.now()
	}
	raw := ev.RawJSON
	if raw == "" {
		raw = "{}"
	}

	inserted := false
	err := db.withTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(
			`INSERT INTO events (event_id, source_type, source_ref, occurred_at, ingested_at,
				container_id, container_name, actor_id, actor_display, event_kind, title, text, permalink, raw_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			ev.ID, ev.SourceType, ev.SourceRef, FormatTime(ev.OccurredAt), FormatTime(ev.IngestedAt),
			nullable(ev.ContainerID), nullable(ev.ContainerName), nullable(ev.ActorID), nullable(ev.ActorDisplay),
			ev.Kind, nullable(ev.Title), ev.Text, nullable(ev.Permalink), raw,
		)
		if err != nil {
			return fmt.Errorf("inserting event %s: %w", ev.SourceRef, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil
		}
		inserted = true

		for _, l := range links {
			if err := insertLink(tx, ev.ID, l, FormatTime(ev.IngestedAt)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func insertLink(tx *sql.Tx, eventID string, l Link, createdAt string) error {
	if l.Confidence < 0 || l.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range for project %s", l.Confidence, l.ProjectID)
	}
	_, err := tx.Exec(
		`INSERT INTO event_project_links (event_id, project_id, attribution_type, confidence, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, project_id) DO NOTHING`,
		eventID, l.ProjectID, l.AttributionType, l.Confidence, nullable(l.Rationale), createdAt,
	)
	if err != nil {
		return fmt.Errorf("linking event to %s: %w", l.ProjectID, err)
	}
	return nil
}

// AddManualLink records a manual attribution. Existing links for the pair
// are kept untouched; returns false in that case.
func (db *DB) AddManualLink(eventID, projectID, rationale string) (bool, error) {
	result, err := db.conn.Exec(
		`INSERT INTO event_project_links (event_id, project_id, attribution_type, confidence, rationale, created_at)
		VALUES (?, ?, ?, 1.0, ?, ?)
		ON CONFLICT(event_id, project_id) DO NOTHING`,
		eventID, projectID, AttrManual, nullable(rationale), db.stamp(),
	)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// GetEvent returns an event by id, or nil if not found.
func (db *DB) GetEvent(id string) (*Event, error) {
	rows, err := db.conn.Query(`SELECT `+eventColumns+` FROM events e WHERE e.event_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

// GetEventLinks returns the attribution links of one event.
func (db *DB) GetEventLinks(eventID string) ([]Link, error) {
	rows, err := db.conn.Query(
		`SELECT event_id, project_id, attribution_type, confidence, rationale, created_at
		FROM event_project_links WHERE event_id = ? ORDER BY project_id`, eventID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var rationale, created sql.NullString
		if err := rows.Scan(&l.EventID, &l.ProjectID, &l.AttributionType, &l.Confidence, &rationale, &created); err != nil {
			return nil, err
		}
		l.Rationale = rationale.String
		if created.Valid {
			l.CreatedAt = &created.String
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// GetProjectEvents returns events linked to a project with occurrence time
// in [from, to], newest first.
func (db *DB) GetProjectEvents(projectID string, from, to time.Time) ([]ProjectEvent, error) {
	rows, err := db.conn.Query(
		`SELECT `+feedColumns+` FROM v_project_events v
		WHERE v.project_id = ? AND v.occurred_at >= ? AND v.occurred_at <= ?
		ORDER BY v.occurred_at DESC, v.event_id`,
		projectID, FormatTime(from), FormatTime(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeed(rows)
}

// FeedFilter narrows a project feed query.
type FeedFilter struct {
	SourceType string
	Since      *time.Time
	Limit      int
	Offset     int
}

// GetProjectFeed returns a page of the project's event feed, newest first.
func (db *DB) GetProjectFeed(projectID string, f FeedFilter) ([]ProjectEvent, error) {
	where, args := feedWhere(projectID, f)
	query := `SELECT ` + feedColumns + ` FROM v_project_events v ` + where +
		` ORDER BY v.occurred_at DESC, v.event_id`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeed(rows)
}

// CountProjectFeed counts feed rows matching the filter, ignoring paging.
func (db *DB) CountProjectFeed(projectID string, f FeedFilter) (int, error) {
	where, args := feedWhere(projectID, f)
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM v_project_events v `+where, args...).Scan(&n)
	return n, err
}

func feedWhere(projectID string, f FeedFilter) (string, []any) {
	conds := []string{"v.project_id = ?"}
	args := []any{projectID}
	if f.SourceType != "" {
		conds = append(conds, "v.source_type = ?")
		args = append(args, f.SourceType)
	}
	if f.Since != nil {
		conds = append(conds, "v.occurred_at >= ?")
		args = append(args, FormatTime(*f.Since))
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

const eventColumns = `e.event_id, e.source_type, e.source_ref, e.occurred_at, e.ingested_at,
	e.container_id, e.container_name, e.actor_id, e.actor_display, e.event_kind, e.title, e.text, e.permalink, e.raw_json`

const feedColumns = `v.event_id, v.source_type, v.source_ref, v.occurred_at, v.ingested_at,
	v.container_id, v.container_name, v.actor_id, v.actor_display, v.event_kind, v.title, v.text, v.permalink, v.raw_json,
	v.project_id, v.attribution_type, v.confidence, v.rationale, v.linked_at`

type eventScan struct {
	occurred      string
	ingested      string
	containerID   sql.NullString
	containerName sql.NullString
	actorID       sql.NullString
	actorDisplay  sql.NullString
	title         sql.NullString
	permalink     sql.NullString
	raw           sql.NullString
}

func (s *eventScan) targets(ev *Event) []any {
	return []any{&ev.ID, &ev.SourceType, &ev.SourceRef, &s.occurred, &s.ingested,
		&s.containerID, &s.containerName, &s.actorID, &s.actorDisplay, &ev.Kind, &s.title, &ev.Text, &s.permalink, &s.raw}
}

func (s *eventScan) fill(ev *Event) {
	ev.OccurredAt, _ = ParseTime(s.occurred)
	ev.IngestedAt, _ = ParseTime(s.ingested)
	ev.ContainerID = s.containerID.String
	ev.ContainerName = s.containerName.String
	ev.ActorID = s.actorID.String
	ev.ActorDisplay = s.actorDisplay.String
	ev.Title = s.title.String
	ev.Permalink = s.permalink.String
	ev.RawJSON = s.raw.String
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var s eventScan
		if err := rows.Scan(s.targets(&ev)...); err != nil {
			return nil, err
		}
		s.fill(&ev)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanFeed(rows *sql.Rows) ([]ProjectEvent, error) {
	var events []ProjectEvent
	for rows.Next() {
		var pe ProjectEvent
		var s eventScan
		var rationale, linked sql.NullString
		targets := append(s.targets(&pe.Event), &pe.ProjectID, &pe.AttributionType, &pe.Confidence, &rationale, &linked)
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		s.fill(&pe.Event)
		pe.Rationale = rationale.String
		if linked.Valid {
			pe.LinkedAt = &linked.String
		}
		events = append(events, pe)
	}
	return events, rows.Err()
}

// TrackerIssueKeys maps every issue key seen in stored tracker events to the
// projects those events are linked to.
func (db *DB) TrackerIssueKeys() (map[string][]string, error) {
	rows, err := db.conn.Query(
		`SELECT DISTINCT substr(e.source_ref, 1, instr(e.source_ref, ':') - 1), l.project_id
		FROM events e
		JOIN event_project_links l ON l.event_id = e.event_id
		WHERE e.source_type = ? AND instr(e.source_ref, ':') > 0
		ORDER BY 1, 2`, SourceJira,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[string][]string)
	for rows.Next() {
		var key, projectID string
		if err := rows.Scan(&key, &projectID); err != nil {
			return nil, err
		}
		keys[key] = append(keys[key], projectID)
	}
	return keys, rows.Err()
}
