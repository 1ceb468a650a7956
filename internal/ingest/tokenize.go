// Package ingest turns raw platform posts into stored messages: it
// tokenizes text, applies the black and white word lists, stamps a
// locality confidence and optionally gates admission on the score.
package ingest

import "strings"

// minTokenLen is exclusive: only tokens longer than this are kept.
const minTokenLen = 3

// Tokens is the result of splitting one post.
type Tokens struct {
	Words      []string // without @ or # markers
	Hashtags   []string // "#tag"
	References []string // "@handle"
}

// Tokenize lower-cases text and splits it on single spaces. Tokens holding
// an apostrophe, common words and tokens of three characters or fewer are
// dropped. common must already be lower-case.
func Tokenize(text string, common []string) Tokens {
	skip := make(map[string]struct{}, len(common))
	for _, w := range common {
		skip[w] = struct{}{}
	}

	var out Tokens
	for _, tok := range strings.Split(strings.ToLower(text), " ") {
		if strings.Contains(tok, "'") {
			continue
		}
		if _, ok := skip[tok]; ok {
			continue
		}
		if len([]rune(tok)) <= minTokenLen {
			continue
		}
		switch {
		case strings.HasPrefix(tok, "@"):
			out.References = append(out.References, tok)
			tok = tok[1:]
		case strings.HasPrefix(tok, "#"):
			out.Hashtags = append(out.Hashtags, tok)
			tok = tok[1:]
		}
		out.Words = append(out.Words, tok)
	}
	return out
}
