package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/score"
)

var (
	ErrNoText     = errors.New("ingest: post has no text")
	ErrFiltered   = errors.New("ingest: post filtered")
	ErrBelowScore = errors.New("ingest: post below minimum score")
	ErrNotFollowed = errors.New("ingest: post outside the stream selection")
)

// Post is the raw JSON shape accepted from the stream source. It follows
// the classic status payload so platform dumps can be replayed directly.
type Post struct {
	ID        string `json:"id_str"`
	Platform  string `json:"platform"`
	Text      string `json:"text"`
	FullText  string `json:"full_text"`
	CreatedAt string `json:"created_at"`
	URL       string `json:"url"`
	User      struct {
		ID         string `json:"id_str"`
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
		Location   string `json:"location"`
	} `json:"user"`
	Extended *struct {
		FullText string `json:"full_text"`
	} `json:"extended_tweet"`
	// Coordinates is GeoJSON order: longitude, latitude.
	Coordinates *struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"coordinates"`
	// Geo is the legacy field in latitude, longitude order.
	Geo *struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"geo"`
}

// point returns the post's position as longitude and latitude.
func (p Post) point() (float64, float64, bool) {
	if p.Coordinates != nil && len(p.Coordinates.Coordinates) == 2 {
		return p.Coordinates.Coordinates[0], p.Coordinates.Coordinates[1], true
	}
	if p.Geo != nil && len(p.Geo.Coordinates) == 2 {
		return p.Geo.Coordinates[1], p.Geo.Coordinates[0], true
	}
	return 0, 0, false
}

func (p Post) text() string {
	if p.Extended != nil && strings.TrimSpace(p.Extended.FullText) != "" {
		return p.Extended.FullText
	}
	if strings.TrimSpace(p.FullText) != "" {
		return p.FullText
	}
	return p.Text
}

// Preparer converts raw posts into messages ready for the store.
type Preparer struct {
	Platform string // used when the post does not name one
	Common   []string
	Filters  Filters
	Select   Selection
	Scoring  score.Config
	MinScore int
	Now      func() time.Time
}

// Prepare decodes raw and builds the message. Rejections wrap ErrNoText,
// ErrNotFollowed, ErrFiltered or ErrBelowScore.
func (p Preparer) Prepare(raw []byte) (core.Message, error) {
	var post Post
	if err := json.Unmarshal(raw, &post); err != nil {
		return core.Message{}, pkgerrors.Wrap(err, "ingest: decode post")
	}
	return p.PreparePost(post)
}

func (p Preparer) PreparePost(post Post) (core.Message, error) {
	text := post.text()
	if strings.TrimSpace(text) == "" {
		return core.Message{}, ErrNoText
	}
	if ok, rule := p.Select.Match(post); !ok {
		return core.Message{}, fmt.Errorf("%w: %s", ErrNotFollowed, rule)
	}
	if ok, word := p.Filters.Allow(text); !ok {
		return core.Message{}, fmt.Errorf("%w: %q", ErrFiltered, word)
	}

	platform := strings.TrimSpace(post.Platform)
	if platform == "" {
		platform = p.Platform
	}
	if platform == "" {
		platform = "twitter"
	}

	toks := Tokenize(text, p.Common)
	msg := core.Message{
		SourceID:         strings.TrimSpace(post.ID),
		Platform:         platform,
		Text:             text,
		AuthorScreenName: strings.TrimSpace(post.User.ScreenName),
		AuthorName:       strings.TrimSpace(post.User.Name),
		AuthorLocation:   strings.TrimSpace(post.User.Location),
		Hashtags:         toks.Hashtags,
		References:       toks.References,
		Tokens:           toks.Words,
		URL:              strings.TrimSpace(post.URL),
		Ts:               p.parseTime(post.CreatedAt),
	}
	if msg.URL == "" && msg.AuthorScreenName != "" && msg.SourceID != "" && platform == "twitter" {
		msg.URL = "https://twitter.com/" + msg.AuthorScreenName + "/status/" + msg.SourceID
	}
	msg.LocalityConfidence = score.Locality(msg.AuthorLocation, p.Scoring)

	if ok, got := Admit(msg, p.Scoring, p.MinScore); !ok {
		return core.Message{}, fmt.Errorf("%w: %d < %d", ErrBelowScore, got, p.MinScore)
	}
	return msg, nil
}

var timeLayouts = []string{time.RubyDate, time.RFC3339Nano, time.RFC3339}

func (p Preparer) parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil && raw != "" {
			return ts.UTC()
		}
	}
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
