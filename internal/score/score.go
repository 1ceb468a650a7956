// Package score turns a message plus the user's interest profile into an
// integer score and a locality confidence. Everything here is pure.
package score

import (
	"math"
	"sort"
	"strings"

	"github.com/you/mediamail/internal/core"
)

// Config is the user-scoped scoring profile. It is read-only while scoring.
type Config struct {
	Disinterested      map[string]int
	Interested         map[string]int
	HashtagPenalty     int
	ShoutoutPenalty    int
	PointsPerWord      int
	LocalityMultiplier int
	ShoutoutToMeBonus  int
	Handles            []string
	LocalTowns         []string
	State              string
	StateAbbrev        string
}

// Normalized returns a copy whose word maps are keyed by lower-case words.
// When two keys fold to the same word the lexically last one wins.
func (c Config) Normalized() Config {
	c.Disinterested = lowerKeys(c.Disinterested)
	c.Interested = lowerKeys(c.Interested)
	return c
}

func lowerKeys(in map[string]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]int, len(in))
	for _, k := range keys {
		w := strings.ToLower(strings.TrimSpace(k))
		if w == "" {
			continue
		}
		out[w] = in[k]
	}
	return out
}

// Result is the outcome of scoring one message.
type Result struct {
	Score     int
	Locality  float64
	Breakdown core.Breakdown
}

// Locality confidence levels.
const (
	TownMatch   = 1.0
	TownMention = 0.75
	StateMatch  = 0.5
	NoMatch     = 0.0
)

// Score computes the total for m. Tokens are assumed to already exclude
// common words, and c is expected to be Normalized.
func Score(m core.Message, c Config) Result {
	var b core.Breakdown

	for _, tok := range m.Tokens {
		tok = strings.ToLower(tok)
		b.Words += lookup(c.Interested, tok)
		b.Words += lookup(c.Disinterested, tok)
	}
	b.Length = len(m.Tokens) * c.PointsPerWord
	b.Hashtags = len(m.Hashtags) * c.HashtagPenalty
	b.Shoutouts = len(m.References) * c.ShoutoutPenalty

	loc := Locality(m.AuthorLocation, c)
	b.Locality = roundHalfUp(loc * float64(c.LocalityMultiplier))

	if mentionsMe(m.References, c.Handles) {
		b.ToMe = c.ShoutoutToMeBonus
	}

	return Result{Score: b.Total(), Locality: loc, Breakdown: b}
}

// Hit scores m and packages the result as a ScoredHit.
func Hit(m core.Message, c Config) core.ScoredHit {
	r := Score(m, c)
	return core.ScoredHit{
		MMID:      m.MMID,
		Text:      m.Text,
		Link:      m.URL,
		Author:    m.AuthorScreenName,
		Score:     r.Score,
		Locality:  r.Locality,
		Breakdown: r.Breakdown,
	}
}

func lookup(words map[string]int, tok string) int {
	if len(words) == 0 {
		return 0
	}
	return words[tok]
}

func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

func mentionsMe(refs, handles []string) bool {
	if len(refs) == 0 || len(handles) == 0 {
		return false
	}
	for _, r := range refs {
		r = strings.TrimPrefix(strings.TrimSpace(r), "@")
		if r == "" {
			continue
		}
		for _, h := range handles {
			h = strings.TrimPrefix(strings.TrimSpace(h), "@")
			if h != "" && strings.EqualFold(r, h) {
				return true
			}
		}
	}
	return false
}
