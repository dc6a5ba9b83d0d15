package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/TobiSchelling/projectpulse/internal/compose"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

type projectJSON struct {
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	IsActive    bool    `json:"is_active"`
	CreatedAt   *string `json:"created_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.db.ListProjects(true)
	if err != nil {
		internalError(w, "listing projects", err)
		return
	}
	out := make([]projectJSON, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectJSON{
			ProjectID:   p.ID,
			Name:        p.Name,
			Description: p.Description,
			IsActive:    p.IsActive,
			CreatedAt:   p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireParam(w, r, "project_id", "Missing required query parameter: project_id")
	if !ok {
		return
	}
	pulse, err := compose.BuildPulse(s.db, projectID)
	if !s.check(w, projectID, "building pulse", err) {
		return
	}
	writeJSON(w, http.StatusOK, pulse)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireParam(w, r, "project_id", "Missing required query parameter: project_id")
	if !ok {
		return
	}
	p, err := s.db.GetProject(projectID)
	if err != nil {
		internalError(w, "loading project", err)
		return
	}
	if p == nil {
		notFound(w, projectID)
		return
	}

	q := r.URL.Query()
	f := database.FeedFilter{
		SourceType: q.Get("source_type"),
		Limit:      clampInt(q.Get("limit"), defaultEventLimit, 1, maxEventLimit),
		Offset:     clampInt(q.Get("offset"), 0, 0, -1),
	}
	if f.SourceType != "" && f.SourceType != database.SourceSlack && f.SourceType != database.SourceJira {
		writeError(w, http.StatusBadRequest, "source_type must be slack or jira")
		return
	}

	total, err := s.db.CountProjectFeed(projectID, f)
	if err != nil {
		internalError(w, "counting events", err)
		return
	}
	feed, err := s.db.GetProjectFeed(projectID, f)
	if err != nil {
		internalError(w, "loading events", err)
		return
	}
	events := make([]compose.FeedEvent, 0, len(feed))
	for _, pe := range feed {
		events = append(events, compose.NewFeedEvent(pe))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"project_id":   p.ID,
		"project_name": p.Name,
		"total":        total,
		"limit":        f.Limit,
		"offset":       f.Offset,
		"events":       events,
	})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireParam(w, r, "project_id", "Missing required query parameter: project_id")
	if !ok {
		return
	}
	raw, ok := requireParam(w, r, "since", "Missing required query parameter: since (ISO-8601)")
	if !ok {
		return
	}
	since, err := compose.ParseSince(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid since: expected an ISO-8601 date or datetime")
		return
	}

	changes, err := compose.BuildChanges(s.db, projectID, since)
	if !s.check(w, projectID, "building changes", err) {
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleBlockers(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireParam(w, r, "project_id", "Missing required query parameter: project_id")
	if !ok {
		return
	}
	blockers, err := compose.BuildBlockers(s.db, projectID)
	if !s.check(w, projectID, "building blockers", err) {
		return
	}
	writeJSON(w, http.StatusOK, blockers)
}

func (s *Server) check(w http.ResponseWriter, projectID, op string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, compose.ErrProjectNotFound):
		notFound(w, projectID)
	default:
		internalError(w, op, err)
	}
	return false
}

func requireParam(w http.ResponseWriter, r *http.Request, name, msg string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		writeError(w, http.StatusBadRequest, msg)
		return "", false
	}
	return v, true
}

// clampInt parses v, falling back to def, and clamps it to [lo, hi]. A
// negative hi means no upper bound.
func clampInt(v string, def, lo, hi int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		n = def
	}
	if n < lo {
		n = lo
	}
	if hi >= 0 && n > hi {
		n = hi
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func notFound(w http.ResponseWriter, projectID string) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Project not found", "project_id": projectID})
}

func internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("API error %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
