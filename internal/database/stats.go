package database

// GetStats returns aggregate store statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{EventsBySource: make(map[string]int)}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM projects", &s.TotalProjects},
		{"SELECT COUNT(*) FROM projects WHERE is_active = 1", &s.ActiveProjects},
		{"SELECT COUNT(*) FROM project_scopes", &s.Scopes},
		{"SELECT COUNT(*) FROM events", &s.Events},
		{"SELECT COUNT(DISTINCT event_id) FROM event_project_links", &s.LinkedEvents},
		{"SELECT COUNT(*) FROM event_project_links", &s.Links},
		{"SELECT COUNT(*) FROM project_status_snapshots", &s.Snapshots},
		{"SELECT COUNT(*) FROM snapshot_evidence", &s.EvidenceRows},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	s.UnlinkedEvents = s.Events - s.LinkedEvents

	rows, err := db.conn.Query("SELECT source_type, COUNT(*) FROM events GROUP BY source_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		s.EventsBySource[source] = n
	}
	return s, rows.Err()
}
