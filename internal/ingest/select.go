package ingest

import (
	"strings"
	"unicode"
)

// Selection decides which posts the stream follows. Like the platform's
// filter endpoint only one rule is active: areas win over followers, and
// followers win over tracks. An empty Selection accepts everything.
type Selection struct {
	// Tracks are phrases; a post matches a phrase when every word of it
	// appears in the text. Any phrase is enough.
	Tracks []string
	// Followers are author ids or screen names.
	Followers []string
	// AOIs holds bounding boxes as flat quadruplets of
	// west longitude, south latitude, east longitude, north latitude.
	AOIs []float64
}

// Match reports whether post is selected and, if not, which rule rejected it.
func (s Selection) Match(post Post) (bool, string) {
	switch {
	case len(s.AOIs) >= 4:
		lon, lat, ok := post.point()
		if !ok {
			return false, "aois"
		}
		for i := 0; i+3 < len(s.AOIs); i += 4 {
			w, so, e, n := s.AOIs[i], s.AOIs[i+1], s.AOIs[i+2], s.AOIs[i+3]
			if lon >= w && lon <= e && lat >= so && lat <= n {
				return true, ""
			}
		}
		return false, "aois"
	case len(s.Followers) > 0:
		id := strings.TrimSpace(post.User.ID)
		name := strings.TrimPrefix(strings.TrimSpace(post.User.ScreenName), "@")
		for _, f := range s.Followers {
			f = strings.TrimPrefix(strings.TrimSpace(f), "@")
			if f == "" {
				continue
			}
			if f == id || strings.EqualFold(f, name) {
				return true, ""
			}
		}
		return false, "followers"
	case len(s.Tracks) > 0:
		words := make(map[string]bool)
		for _, w := range strings.FieldsFunc(strings.ToLower(post.text()), notWordRune) {
			words[w] = true
		}
		for _, phrase := range s.Tracks {
			if phraseIn(strings.ToLower(phrase), words) {
				return true, ""
			}
		}
		return false, "tracks"
	}
	return true, ""
}

func phraseIn(phrase string, words map[string]bool) bool {
	parts := strings.FieldsFunc(phrase, notWordRune)
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if !words[p] {
			return false
		}
	}
	return true
}

// notWordRune splits on whitespace and punctuation but keeps @ and # so
// tracks like "#flood" match hashtags.
func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '@' && r != '#' && r != '_'
}
