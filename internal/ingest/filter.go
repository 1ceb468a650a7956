package ingest

import (
	"strings"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/score"
)

// Filters holds the ingest word lists.
type Filters struct {
	Blacklist []string
	Whitelist []string
}

// Allow reports whether text passes the lists, and when it does not, the
// word responsible. Any blacklisted word rejects; every whitelisted word
// must be present. Matching is a case-insensitive substring test.
func (f Filters) Allow(text string) (bool, string) {
	lower := strings.ToLower(text)
	for _, w := range f.Blacklist {
		if w = strings.ToLower(w); w != "" && strings.Contains(lower, w) {
			return false, w
		}
	}
	for _, w := range f.Whitelist {
		if w = strings.ToLower(w); w != "" && !strings.Contains(lower, w) {
			return false, w
		}
	}
	return true, ""
}

// Admit reports whether msg scores at least minScore. Scores can be
// negative, so only a zero minimum disables the check.
func Admit(msg core.Message, c score.Config, minScore int) (bool, int) {
	if minScore == 0 {
		return true, 0
	}
	s := score.Score(msg, c).Score
	return s >= minScore, s
}
