package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// InsertProject creates a project. Returns false if the id is already taken.
func (db *DB) InsertProject(id, name, description string) (bool, error) {
	result, err := db.conn.Exec(
		`INSERT INTO projects (project_id, name, description, created_at, is_active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(project_id) DO NOTHING`,
		id, name, nullable(description), db.stamp(),
	)
	if err != nil {
		return false, fmt.Errorf("inserting project %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// GetProject returns a project by id, or nil if it does not exist.
func (db *DB) GetProject(id string) (*Project, error) {
	var p Project
	var desc, created sql.NullString
	var active int
	err := db.conn.QueryRow(
		`SELECT project_id, name, description, is_active, created_at FROM projects WHERE project_id = ?`, id,
	).Scan(&p.ID, &p.Name, &desc, &active, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.IsActive = active == 1
	if desc.Valid {
		p.Description = &desc.String
	}
	if created.Valid {
		p.CreatedAt = &created.String
	}
	return &p, nil
}

// ListProjects returns projects ordered by name.
func (db *DB) ListProjects(activeOnly bool) ([]Project, error) {
	query := `SELECT project_id, name, description, is_active, created_at FROM projects`
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY name"

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var desc, created sql.NullString
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &desc, &active, &created); err != nil {
			return nil, err
		}
		p.IsActive = active == 1
		if desc.Valid {
			p.Description = &desc.String
		}
		if created.Valid {
			p.CreatedAt = &created.String
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SetProjectActive flips the active flag, the only mutation a project allows.
func (db *DB) SetProjectActive(id string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	result, err := db.conn.Exec(`UPDATE projects SET is_active = ? WHERE project_id = ?`, v, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s not found", id)
	}
	return nil
}

// InsertScope binds a project to a source container or pattern. Adding the
// same binding twice is a no-op and returns the existing scope id.
func (db *DB) InsertScope(projectID, sourceType, scopeKind, scopeValue string) (string, error) {
	scopeValue = strings.TrimSpace(scopeValue)
	if scopeValue == "" {
		return "", fmt.Errorf("empty scope value")
	}

	id := uuid.NewString()
	_, err := db.conn.Exec(
		`INSERT INTO project_scopes (scope_id, project_id, source_type, scope_kind, scope_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, source_type, scope_kind, scope_value) DO NOTHING`,
		id, projectID, sourceType, scopeKind, scopeValue, db.stamp(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting scope: %w", err)
	}

	var existing string
	err = db.conn.QueryRow(
		`SELECT scope_id FROM project_scopes
		WHERE project_id = ? AND source_type = ? AND scope_kind = ? AND scope_value = ?`,
		projectID, sourceType, scopeKind, scopeValue,
	).Scan(&existing)
	if err != nil {
		return "", err
	}
	return existing, nil
}

// ListScopes returns scopes of active projects for one source kind,
// optionally narrowed to the given scope kinds.
func (db *DB) ListScopes(sourceType string, kinds ...string) ([]Scope, error) {
	query := `SELECT s.scope_id, s.project_id, s.source_type, s.scope_kind, s.scope_value, s.created_at
		FROM project_scopes s
		JOIN projects p ON p.project_id = s.project_id
		WHERE p.is_active = 1 AND s.source_type = ?`
	args := []any{sourceType}
	if len(kinds) > 0 {
		query += " AND s.scope_kind IN (?" + strings.Repeat(",?", len(kinds)-1) + ")"
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += " ORDER BY s.project_id, s.scope_value"
	return db.queryScopes(query, args...)
}

// ListScopesForProject returns every scope bound to a project.
func (db *DB) ListScopesForProject(projectID string) ([]Scope, error) {
	return db.queryScopes(
		`SELECT scope_id, project_id, source_type, scope_kind, scope_value, created_at
		FROM project_scopes WHERE project_id = ? ORDER BY source_type, scope_kind, scope_value`,
		projectID,
	)
}

func (db *DB) queryScopes(query string, args ...any) ([]Scope, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []Scope
	for rows.Next() {
		var s Scope
		var created sql.NullString
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.SourceType, &s.ScopeKind, &s.ScopeValue, &created); err != nil {
			return nil, err
		}
		if created.Valid {
			s.CreatedAt = &created.String
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}
