package score

import (
	"strings"
	"unicode"
)

// Locality compares a free-text author location with the configured towns
// and state. Both sides go through normalize so "Springfield, IL." and
// "springfield il" compare equal.
//
//	whole location or a comma segment equals a town   1.0
//	a town appears as whole words inside the location  0.75
//	the state name or abbreviation appears as words    0.5
//	anything else, including an empty location        0.0
func Locality(location string, c Config) float64 {
	whole := normalize(location)
	if whole == "" {
		return NoMatch
	}
	segments := splitSegments(location)

	towns := normalizeAll(c.LocalTowns)
	for _, town := range towns {
		if town == whole {
			return TownMatch
		}
		for _, seg := range segments {
			if seg == town {
				return TownMatch
			}
		}
	}

	padded := " " + whole + " "
	for _, town := range towns {
		if strings.Contains(padded, " "+town+" ") {
			return TownMention
		}
	}

	states := normalizeAll([]string{c.State, c.StateAbbrev})
	if len(states) == 0 {
		return NoMatch
	}
	for _, st := range states {
		if strings.Contains(padded, " "+st+" ") {
			return StateMatch
		}
	}
	return NoMatch
}

// normalize lower-cases s, turns every rune that is not a letter or digit
// into a space and collapses runs of whitespace.
func normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

func normalizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func splitSegments(location string) []string {
	parts := strings.FieldsFunc(location, func(r rune) bool {
		switch r {
		case ',', '/', ';', '|':
			return true
		}
		return false
	})
	return normalizeAll(parts)
}
