// Package mail delivers digests over SMTP and reads reply mail from a
// maildir-style inbox.
package mail

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/digest"
)

const unknownAuthor = "Unidentified"

type RenderOptions struct {
	Verbose   bool // append the score breakdown to each line
	ASCIIOnly bool
}

// Render formats d as a plain text body. Each hit is one line:
//
//	<author>: <text> (<link>):<mmid>:score=<n>
func Render(d digest.Digest, opts RenderOptions) string {
	var b strings.Builder
	b.WriteString(d.Header)
	b.WriteString("\n\n")
	for _, sec := range d.Sections {
		b.WriteString(sec.Title)
		b.WriteByte('\n')
		for _, hit := range sec.Hits {
			b.WriteString(renderHit(hit, opts.Verbose))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(d.Footer)
	if d.Footer != "" {
		b.WriteByte('\n')
	}

	out := b.String()
	if opts.ASCIIOnly {
		out = stripNonASCII(out)
	}
	return out
}

func renderHit(hit core.ScoredHit, verbose bool) string {
	author := strings.TrimSpace(hit.Author)
	if author == "" {
		author = unknownAuthor
	}
	text := strings.Join(strings.Fields(hit.Text), " ")

	var b strings.Builder
	b.WriteString(author)
	b.WriteString(": ")
	b.WriteString(text)
	if link := strings.TrimSpace(hit.Link); link != "" {
		b.WriteString(" (")
		b.WriteString(link)
		b.WriteByte(')')
	}
	b.WriteByte(':')
	b.WriteString(hit.MMID)
	b.WriteString(":score=")
	b.WriteString(strconv.Itoa(hit.Score))
	if verbose {
		b.WriteByte(' ')
		b.WriteString(hit.Breakdown.String())
	}
	return b.String()
}

func stripNonASCII(s string) string {
	if isASCII(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
