// Package collect pulls activity from the chat and tracker sources into the
// event store.
package collect

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/TobiSchelling/projectpulse/internal/database"
)

// Precondition failures, returned before anything is fetched.
var (
	ErrMissingCredentials = errors.New("missing source credentials")
	ErrNoScopes           = errors.New("no scopes configured for source")
)

// Result holds the counters of an ingestion run.
type Result struct {
	Containers      int
	Fetched         int
	Accepted        int
	Unlinked        int
	SkippedExisting int
	SkippedFilter   int
	Failed          int
	FailedItems     int
}

// Stored returns the number of new events written.
func (r *Result) Stored() int {
	return r.Accepted + r.Unlinked
}

func (r *Result) String() string {
	return fmt.Sprintf("%d containers, %d fetched, %d accepted, %d unlinked, %d skipped existing, %d filtered, %d failed containers, %d failed items",
		r.Containers, r.Fetched, r.Accepted, r.Unlinked, r.SkippedExisting, r.SkippedFilter, r.Failed, r.FailedItems)
}

// store writes one event with its links and updates the counters.
func store(db *database.DB, ev *database.Event, links []database.Link, r *Result) error {
	inserted, err := db.InsertEvent(ev, links)
	if err != nil {
		return err
	}
	switch {
	case !inserted:
		r.SkippedExisting++
	case len(links) == 0:
		r.Unlinked++
	default:
		r.Accepted++
	}
	return nil
}

// Bounds pins each project's last_ingested_at as read before a run, so a
// unit finishing early in the run does not narrow the fetch of a later one.
type Bounds map[string]*time.Time

// LoadBounds reads the ingest checkpoint of every project.
func LoadBounds(db *database.DB) (Bounds, error) {
	projects, err := db.ListProjects(false)
	if err != nil {
		return nil, err
	}
	b := make(Bounds, len(projects))
	for _, p := range projects {
		cp, err := db.GetCheckpoint(p.ID)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			b[p.ID] = cp.LastIngestedAt
		}
	}
	return b, nil
}

// earliest returns the earliest bound among projectIDs, or nil when any of
// them was never ingested and a full fetch is needed.
func (b Bounds) earliest(projectIDs []string) *time.Time {
	var bound *time.Time
	for _, id := range projectIDs {
		at := b[id]
		if at == nil {
			return nil
		}
		if bound == nil || at.Before(*bound) {
			bound = at
		}
	}
	return bound
}

// markIngested advances last_ingested_at for every project of a finished unit.
func markIngested(db *database.DB, projectIDs []string, at time.Time) {
	for _, id := range projectIDs {
		if err := db.AdvanceCheckpoint(id, database.CheckpointIngested, at); err != nil {
			log.Printf("  Error advancing checkpoint for %s: %v", id, err)
		}
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
