package synthesize

import (
	"strings"

	"github.com/TobiSchelling/projectpulse/internal/database"
)

// section accumulates the items of one snapshot section in recency order.
// Items whose text key and owner match are merged, and the merged item
// cites every event that produced it.
type section struct {
	items []database.StatusItem
	byKey map[string]int
}

func newSection() *section {
	return &section{byKey: make(map[string]int)}
}

func (s *section) add(text, owner, eventID string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	text = clip(text, maxItemChars)
	key := dedupKey(text) + "\x00" + owner
	if i, ok := s.byKey[key]; ok {
		if !contains(s.items[i].EventIDs, eventID) {
			s.items[i].EventIDs = append(s.items[i].EventIDs, eventID)
		}
		return
	}
	s.byKey[key] = len(s.items)
	s.items = append(s.items, database.StatusItem{Text: text, Owner: owner, EventIDs: []string{eventID}})
}

func (s *section) capped(n int) []database.StatusItem {
	items := s.items
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	if items == nil {
		return []database.StatusItem{}
	}
	return items
}

func dedupKey(text string) string {
	return clip(strings.Join(strings.Fields(strings.ToLower(text)), " "), dedupChars)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
