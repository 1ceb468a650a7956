package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/mediamail/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "search.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteAssignsSequentialTickets(t *testing.T) {
	s := openTestStore(t)

	first, err := s.Write(core.Message{Platform: "twitter", SourceID: "100", Text: "storm warning tonight"})
	if err != nil {
		t.Fatalf("write first: %v", err)
	}
	second, err := s.Write(core.Message{Platform: "twitter", SourceID: "101", Text: "road closed"})
	if err != nil {
		t.Fatalf("write second: %v", err)
	}
	if first.MMID != "00001" || second.MMID != "00002" {
		t.Fatalf("unexpected tickets %q and %q", first.MMID, second.MMID)
	}
}

func TestWriteDuplicateReturnsExistingTicket(t *testing.T) {
	s := openTestStore(t)

	orig, err := s.Write(core.Message{Platform: "twitter", SourceID: "7", Text: "hello"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	dup, err := s.Write(core.Message{Platform: "twitter", SourceID: "7", Text: "hello again"})
	if err != nil {
		t.Fatalf("write duplicate: %v", err)
	}
	if dup.MMID != orig.MMID {
		t.Fatalf("expected duplicate to resolve to %q, got %q", orig.MMID, dup.MMID)
	}
	n, err := s.Count(context.Background(), Query{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestLookupRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	in := core.Message{
		Platform:           "twitter",
		SourceID:           "55",
		Text:               "Flooding on #Main st @cityhall",
		AuthorScreenName:   "amy",
		AuthorLocation:     "Normal, IL",
		Hashtags:           []string{"#Main"},
		References:         []string{"@cityhall"},
		Tokens:             []string{"flooding", "main", "cityhall"},
		URL:                "https://x.test/amy/55",
		Ts:                 ts,
		LocalityConfidence: 1,
	}
	stored, err := s.Write(in)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Lookup(context.Background(), stored.MMID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Text != in.Text || got.AuthorScreenName != "amy" || got.SourceID != "55" || !got.Ts.Equal(ts) {
		t.Fatalf("unexpected message: %+v", got)
	}
	if len(got.Tokens) != 3 || got.Hashtags[0] != "#Main" || got.References[0] != "@cityhall" {
		t.Fatalf("lists not preserved: %+v", got)
	}
	if got.LocalityConfidence != 1 {
		t.Fatalf("locality not preserved: %v", got.LocalityConfidence)
	}
}

func TestLookupUnknownTicket(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Lookup(context.Background(), "99999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScanFiltersAndOrder(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []core.Message{
		{SourceID: "1", Text: "Prayer vigil downtown", AuthorScreenName: "Bob", Hashtags: []string{"#vigil"}, Ts: base},
		{SourceID: "2", Text: "Traffic on I-55", AuthorScreenName: "dot", Ts: base.Add(time.Hour), LocalityConfidence: 0.5},
		{SourceID: "3", Text: "pray for rain", AuthorScreenName: "carol", Ts: base.Add(2 * time.Hour), LocalityConfidence: 1},
		{SourceID: "4", Text: "no match here", AuthorScreenName: "bob", Ts: base.Add(3 * time.Hour)},
	}
	for _, m := range rows {
		m.Platform = "twitter"
		if _, err := s.Write(m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	collect := func(q Query) []string {
		t.Helper()
		var out []string
		if err := s.Scan(context.Background(), q, func(m core.Message) error {
			out = append(out, m.SourceID)
			return nil
		}); err != nil {
			t.Fatalf("scan: %v", err)
		}
		return out
	}

	since := base.Add(90 * time.Minute)
	tests := []struct {
		name string
		q    Query
		want string
	}{
		{name: "terms any-of", q: Query{Terms: []string{"PRAY", "traffic"}}, want: "[3 2 1]"},
		{name: "authors", q: Query{Authors: []string{"BOB"}}, want: "[4 1]"},
		{name: "hashtag without marker", q: Query{Hashtags: []string{"Vigil"}}, want: "[1]"},
		{name: "since", q: Query{Since: &since}, want: "[4 3]"},
		{name: "locality", q: Query{MinLocality: 0.5}, want: "[3 2]"},
		{name: "asc limit", q: Query{Order: OrderAsc, Limit: 2}, want: "[1 2]"},
		{name: "platform", q: Query{Platforms: []string{"facebook"}}, want: "[]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := collect(tc.q)
			if s := fmtList(got); s != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, s)
			}
			for _, m := range rows {
				m.Platform = "twitter"
				if tc.q.Limit == 0 && tc.q.Matches(m) != contains(got, m.SourceID) {
					t.Fatalf("Matches disagrees with SQL for %s", m.SourceID)
				}
			}
		})
	}
}

func TestScanStopsOnCallbackError(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Write(core.Message{SourceID: id, Text: "row " + id}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	stop := errors.New("stop")
	seen := 0
	err := s.Scan(context.Background(), Query{}, func(core.Message) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) || seen != 1 {
		t.Fatalf("expected callback error after one row, got err=%v seen=%d", err, seen)
	}
}

func TestListDefaultLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < DefaultListLimit+5; i++ {
		if _, err := s.Write(core.Message{Text: "bulk"}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	list, err := s.List(context.Background(), Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != DefaultListLimit {
		t.Fatalf("expected %d rows, got %d", DefaultListLimit, len(list))
	}
}

func fmtList(ids []string) string {
	out := "["
	for i, id := range ids {
		if i > 0 {
			out += " "
		}
		out += id
	}
	return out + "]"
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
