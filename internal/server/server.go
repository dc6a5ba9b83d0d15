package server

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/projectpulse/internal/compose"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.Linkify))

// Server serves the read API and the pulse dashboard.
type Server struct {
	db    *database.DB
	pages map[string]*template.Template
	mux   *http.ServeMux
}

// New creates a new Server.
func New(db *database.DB) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"since": func(t *time.Time) string {
			if t == nil {
				return "never"
			}
			return t.UTC().Format("2006-01-02 15:04 UTC")
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so "title" and "content" do not collide.
	pageNames := []string{"index.html", "pulse.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/pulse/", s.handlePulsePage)

	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/projects", s.handleProjects)
	s.mux.HandleFunc("/api/pulse", s.handlePulse)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/changes", s.handleChanges)
	s.mux.HandleFunc("/api/blockers", s.handleBlockers)
}

type projectRow struct {
	Project    database.Project
	Checkpoint *database.Checkpoint
	Headline   string
	NewEvents  int
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	projects, err := s.db.ListProjects(true)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	rows := make([]projectRow, 0, len(projects))
	for _, p := range projects {
		row := projectRow{Project: p}
		row.Checkpoint, _ = s.db.GetCheckpoint(p.ID)
		if snap, _ := s.db.GetLatestSnapshot(p.ID); snap != nil {
			row.Headline = snap.Status.Headline
		}
		f := database.FeedFilter{}
		if row.Checkpoint != nil {
			f.Since = row.Checkpoint.LastViewedAt
		}
		row.NewEvents, _ = s.db.CountProjectFeed(p.ID, f)
		rows = append(rows, row)
	}

	s.render(w, "index.html", map[string]any{
		"Projects": rows,
	})
}

// handlePulsePage shows the latest snapshot and what changed since the
// previous visit, then advances last_viewed_at.
func (s *Server) handlePulsePage(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimPrefix(r.URL.Path, "/pulse/")
	if projectID == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	pulse, err := compose.BuildPulse(s.db, projectID)
	if errors.Is(err, compose.ErrProjectNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Printf("Error building pulse for %s: %v", projectID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	cp, _ := s.db.GetCheckpoint(projectID)
	var lastViewed *time.Time
	var changes *compose.Changes
	if cp != nil && cp.LastViewedAt != nil {
		lastViewed = cp.LastViewedAt
		changes, _ = compose.BuildChanges(s.db, projectID, *lastViewed)
	}

	if err := s.db.MarkViewed(projectID); err != nil {
		log.Printf("Error marking %s viewed: %v", projectID, err)
	}

	data := map[string]any{
		"Pulse":      pulse,
		"PulseMD":    compose.PulseMarkdown(pulse),
		"LastViewed": lastViewed,
	}
	if changes != nil {
		data["ChangesMD"] = compose.ChangesMarkdown(changes)
	}
	s.render(w, "pulse.html", data)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(db *database.DB, port int) error {
	srv, err := New(db)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
