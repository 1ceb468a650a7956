// Package rank keeps a bounded, score-ordered list of hits per query title
// for one digest cycle.
package rank

import (
	"container/heap"
	"sort"
	"strings"
	"sync"

	"github.com/you/mediamail/internal/core"
)

// DefaultLimit is used for titles with no positive hit_limit.
const DefaultLimit = 10

// Builder collects hits for one cycle. Offer is safe for concurrent use:
// offers to different titles proceed independently, offers to the same
// title are serialized by that section's mutex.
type Builder struct {
	limits       map[string]int
	defaultLimit int

	mu        sync.RWMutex
	sections  map[string]*section
	finalized bool
}

// NewBuilder returns a builder. limits maps query titles to their hit_limit.
func NewBuilder(limits map[string]int, defaultLimit int) *Builder {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	copied := make(map[string]int, len(limits))
	for title, n := range limits {
		copied[title] = n
	}
	return &Builder{
		limits:       copied,
		defaultLimit: defaultLimit,
		sections:     make(map[string]*section),
	}
}

// Offer considers hit for the section named title and reports whether the
// hit is retained at the time of the call. Hits with empty text, and hits
// whose text matches one already retained in the section, are ignored.
func (b *Builder) Offer(title string, hit core.ScoredHit) bool {
	if strings.TrimSpace(hit.Text) == "" {
		return false
	}
	s := b.section(title)
	if s == nil {
		return false
	}
	return s.offer(hit)
}

func (b *Builder) section(title string) *section {
	b.mu.RLock()
	s, ok := b.sections[title]
	done := b.finalized
	b.mu.RUnlock()
	if done {
		return nil
	}
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil
	}
	if s, ok = b.sections[title]; ok {
		return s
	}
	limit := b.limits[title]
	if limit <= 0 {
		limit = b.defaultLimit
	}
	s = newSection(limit)
	b.sections[title] = s
	return s
}

// Len reports how many hits the section currently holds.
func (b *Builder) Len(title string) int {
	b.mu.RLock()
	s := b.sections[title]
	b.mu.RUnlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Finalize snapshots every section sorted by descending score, ties in
// arrival order. The builder ignores offers afterwards.
func (b *Builder) Finalize() map[string][]core.ScoredHit {
	b.mu.Lock()
	b.finalized = true
	sections := b.sections
	b.sections = map[string]*section{}
	b.mu.Unlock()

	out := make(map[string][]core.ScoredHit, len(sections))
	for title, s := range sections {
		out[title] = s.sorted()
	}
	return out
}

type entry struct {
	hit core.ScoredHit
	seq uint64
}

// worse orders entries for eviction: lower score first, then later arrival.
func worse(a, b entry) bool {
	if a.hit.Score != b.hit.Score {
		return a.hit.Score < b.hit.Score
	}
	return a.seq > b.seq
}

// section is a fixed-capacity min-heap whose root is the entry that would be
// evicted next.
type section struct {
	mu    sync.Mutex
	limit int
	next  uint64
	items []entry
	texts map[string]int
}

func newSection(limit int) *section {
	return &section{
		limit: limit,
		items: make([]entry, 0, limit),
		texts: make(map[string]int),
	}
}

func (s *section) offer(hit core.ScoredHit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.texts[hit.Text] > 0 {
		return false
	}
	e := entry{hit: hit, seq: s.next}
	s.next++

	if len(s.items) < s.limit {
		heap.Push((*entryHeap)(s), e)
		s.texts[hit.Text]++
		return true
	}
	// A newcomer tied with the root arrived later, so it is the one evicted.
	if !worse(s.items[0], e) {
		return false
	}
	evicted := s.items[0]
	s.items[0] = e
	heap.Fix((*entryHeap)(s), 0)
	s.forget(evicted.hit.Text)
	s.texts[hit.Text]++
	return true
}

func (s *section) forget(text string) {
	if n := s.texts[text]; n <= 1 {
		delete(s.texts, text)
	} else {
		s.texts[text] = n - 1
	}
}

func (s *section) sorted() []core.ScoredHit {
	s.mu.Lock()
	items := append([]entry(nil), s.items...)
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return worse(items[j], items[i]) })
	out := make([]core.ScoredHit, len(items))
	for i, e := range items {
		out[i] = e.hit
	}
	return out
}

// entryHeap adapts section to container/heap. Callers hold s.mu.
type entryHeap section

func (h *entryHeap) Len() int           { return len(h.items) }
func (h *entryHeap) Less(i, j int) bool { return worse(h.items[i], h.items[j]) }
func (h *entryHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *entryHeap) Push(x any) { h.items = append(h.items, x.(entry)) }

func (h *entryHeap) Pop() any {
	n := len(h.items)
	e := h.items[n-1]
	h.items = h.items[:n-1]
	return e
}
