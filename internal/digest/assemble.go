// Package digest orders finalized query sections into the structure handed
// to mail delivery.
package digest

import (
	"strconv"
	"time"

	"github.com/you/mediamail/internal/core"
)

// Digest is the ordered result of one cycle.
type Digest struct {
	Header    string
	Footer    string
	Sections  []Section
	CreatedAt time.Time
}

// Section is one query's ranked hits.
type Section struct {
	Title string
	Hits  []core.ScoredHit
}

// HitCount returns the total number of hits across sections.
func (d Digest) HitCount() int {
	n := 0
	for _, s := range d.Sections {
		n += len(s.Hits)
	}
	return n
}

// Empty reports whether the digest has nothing worth sending.
func (d Digest) Empty() bool { return d.HitCount() == 0 }

// Assembler orders sections. Known lists configured query titles in their
// configured order; Order is the optional explicit query_order.
type Assembler struct {
	Known []string
	Order []string
	Now   func() time.Time
}

// Assemble never fails. Titles in Order that are not configured produce an
// unknown_query warning and are skipped. Titles without data are omitted.
// Sections that have data but are left out of an explicit Order follow the
// ordered ones, in configured order.
func (a Assembler) Assemble(sections map[string][]core.ScoredHit, header, footer string) (Digest, []core.Warning) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	d := Digest{Header: header, Footer: footer, CreatedAt: now().UTC()}

	known := make(map[string]struct{}, len(a.Known))
	for _, title := range a.Known {
		known[title] = struct{}{}
	}

	order := a.Order
	if len(order) == 0 {
		order = a.Known
	}

	var warnings []core.Warning
	placed := make(map[string]struct{}, len(order))
	for _, title := range order {
		if _, ok := known[title]; !ok && len(a.Known) > 0 {
			warnings = append(warnings, core.Warning{
				Code:   core.WarnUnknownQuery,
				Detail: "query_order names unconfigured query " + strconv.Quote(title),
			})
			continue
		}
		if _, dup := placed[title]; dup {
			continue
		}
		placed[title] = struct{}{}
		if hits, ok := sections[title]; ok && len(hits) > 0 {
			d.Sections = append(d.Sections, Section{Title: title, Hits: hits})
		}
	}

	for _, title := range a.Known {
		if _, ok := placed[title]; ok {
			continue
		}
		if hits, ok := sections[title]; ok && len(hits) > 0 {
			d.Sections = append(d.Sections, Section{Title: title, Hits: hits})
		}
	}
	return d, warnings
}
