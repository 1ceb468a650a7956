package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/you/mediamail/internal/core"
)

// DefaultListLimit caps List when the query has no limit.
const DefaultListLimit = 100

// Order is the chronological order of results.
type Order string

const (
	// OrderDesc returns messages newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns messages oldest first.
	OrderAsc Order = "asc"
)

// Query is a search definition. Non-empty fields are combined with AND;
// values inside one field are combined with OR.
type Query struct {
	Terms       []string // matched against text, case-insensitive substring
	Authors     []string // screen names, case-insensitive exact
	Hashtags    []string // with or without the leading '#'
	Platforms   []string
	Since       *time.Time
	MinLocality float64
	Limit       int // zero means unbounded for Scan
	Order       Order
}

// Matches reports whether msg satisfies q with the same rules the SQL uses.
// Streaming transports use it to filter live messages.
func (q Query) Matches(msg core.Message) bool {
	if len(q.Terms) > 0 {
		text := strings.ToLower(msg.Text)
		if !anyMatch(q.Terms, func(term string) bool { return strings.Contains(text, strings.ToLower(term)) }) {
			return false
		}
	}
	if len(q.Authors) > 0 {
		if !anyMatch(q.Authors, func(a string) bool { return strings.EqualFold(a, msg.AuthorScreenName) }) {
			return false
		}
	}
	if len(q.Hashtags) > 0 {
		if !anyMatch(q.Hashtags, func(tag string) bool {
			tag = hashtag(tag)
			for _, h := range msg.Hashtags {
				if strings.EqualFold(h, tag) {
					return true
				}
			}
			return false
		}) {
			return false
		}
	}
	if len(q.Platforms) > 0 {
		if !anyMatch(q.Platforms, func(p string) bool { return strings.EqualFold(p, msg.Platform) }) {
			return false
		}
	}
	if q.Since != nil && msg.Ts.Before(q.Since.UTC()) {
		return false
	}
	if q.MinLocality > 0 && msg.LocalityConfidence < q.MinLocality {
		return false
	}
	return true
}

func anyMatch(values []string, fn func(string) bool) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if fn(v) {
			return true
		}
	}
	return false
}

func hashtag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if !strings.HasPrefix(tag, "#") {
		tag = "#" + tag
	}
	return tag
}

func buildMessageQuery(q Query, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM messages")
	} else {
		builder.WriteString("SELECT " + columns + " FROM messages")
	}

	var (
		conditions []string
		args       []any
	)
	conditions = append(conditions, "mmid IS NOT NULL")

	orGroup := func(values []string, clause string, norm func(string) string) {
		ors := make([]string, 0, len(values))
		for _, v := range values {
			if strings.TrimSpace(v) == "" {
				continue
			}
			ors = append(ors, clause)
			args = append(args, norm(v))
		}
		if len(ors) > 0 {
			conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
		}
	}
	lower := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

	orGroup(q.Terms, "LOWER(text) LIKE '%' || ? || '%'", lower)
	orGroup(q.Authors, "LOWER(author_screen_name) = ?", lower)
	orGroup(q.Hashtags, "LOWER(hashtags_json) LIKE '%\"' || ? || '\"%'", hashtag)
	orGroup(q.Platforms, "LOWER(platform) = ?", lower)

	if q.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.MinLocality > 0 {
		conditions = append(conditions, "locality >= ?")
		args = append(args, q.MinLocality)
	}

	builder.WriteString(" WHERE ")
	builder.WriteString(strings.Join(conditions, " AND "))

	if !count {
		order := "DESC"
		if q.Order == OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts " + order + ", seq " + order)
		if q.Limit > 0 {
			builder.WriteString(" LIMIT ?")
			args = append(args, q.Limit)
		}
	}

	builder.WriteString(";")
	return builder.String(), args
}
