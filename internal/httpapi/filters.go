package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/you/mediamail/internal/store"
)

const maxLimit = 1000

// ParseFilters turns query parameters into a store query. Supported keys:
// limit, order, since, platform, author (or username), q (or term),
// hashtag and min_locality. List-valued keys accept repeats and commas.
func ParseFilters(values url.Values) (store.Query, error) {
	q := store.Query{
		Limit: store.DefaultListLimit,
		Order: store.OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return store.Query{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		q.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			q.Order = store.OrderDesc
		case "asc":
			q.Order = store.OrderAsc
		default:
			return store.Query{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return store.Query{}, err
		}
		q.Since = &parsed
	}

	if raw := values.Get("min_locality"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			return store.Query{}, errors.New("min_locality must be between 0 and 1")
		}
		q.MinLocality = f
	}

	platforms, err := platformFilter(collect(values, "platform"))
	if err != nil {
		return store.Query{}, err
	}
	q.Platforms = platforms

	q.Authors = lowerUnique(append(collect(values, "author"), collect(values, "username")...))
	q.Terms = lowerUnique(append(collect(values, "q"), collect(values, "term")...))
	q.Hashtags = lowerUnique(collect(values, "hashtag"))
	return q, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (store.Query, error) {
	return ParseFilters(r.URL.Query())
}

// streamQuery drops the paging fields that make no sense for live delivery.
func streamQuery(q store.Query) store.Query {
	q.Limit = 0
	q.Order = ""
	return q
}

// collect splits every value of key on commas and drops blanks.
func collect(values url.Values, key string) []string {
	var out []string
	for _, raw := range values[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func lowerUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		v = strings.ToLower(v)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// platformAliases maps accepted spellings to the stored platform name. The
// empty name means "any platform".
var platformAliases = map[string]string{
	"twitter": "twitter", "tw": "twitter", "x": "twitter",
	"facebook": "facebook", "fb": "facebook",
	"all": "", "*": "",
}

// platformFilter canonicalizes names in order. A wildcard anywhere in the
// list disables the filter; unknown names are still rejected.
func platformFilter(names []string) ([]string, error) {
	var out []string
	wildcard := false
	for _, name := range lowerUnique(names) {
		canonical, ok := platformAliases[name]
		switch {
		case !ok:
			return nil, errors.New("invalid platform filter")
		case canonical == "":
			wildcard = true
		case !slices.Contains(out, canonical):
			out = append(out, canonical)
		}
	}
	if wildcard {
		return nil, nil
	}
	return out, nil
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}
