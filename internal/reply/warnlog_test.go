package reply

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/you/mediamail/internal/core"
)

func TestSanitizeAndTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "collapses whitespace", in: "  a\r\nb \t c ", max: 0, want: "a b c"},
		{name: "redacts bearer", in: "Authorization: Bearer abc.def", max: 0, want: "Authorization: Bearer [REDACTED]"},
		{name: "redacts long token", in: "key " + strings.Repeat("x", 40), max: 0, want: "key [REDACTED]"},
		{name: "truncates runes", in: "ééééééééé", max: 6, want: "ééé..."},
		{name: "tiny max", in: "abcdef", max: 2, want: "ab"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := sanitizeAndTruncate(tc.in, tc.max); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestWarningLogSummarizes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	start := time.Unix(1000, 0)
	l := NewWarningLog(start, false, time.Minute, logger)

	l.Note(start, core.Warning{Code: core.WarnUnknownTicket, Ticket: "00009", Detail: "unknown ticket"})
	l.Note(start.Add(time.Second), core.Warning{Code: core.WarnUnknownTicket, Ticket: "00009"})
	if buf.Len() != 0 {
		t.Fatalf("expected no output before interval, got %q", buf.String())
	}

	l.Note(start.Add(time.Minute), core.Warning{Code: core.WarnReplyTooLong, Ticket: "00001"})
	out := buf.String()
	if !strings.Contains(out, "reply: warnings_unknown_ticket") || !strings.Contains(out, "total=2") {
		t.Fatalf("missing unknown_ticket summary: %q", out)
	}
	if !strings.Contains(out, "00009:2") {
		t.Fatalf("missing ticket counts: %q", out)
	}
	if !strings.Contains(out, "reply: warnings_reply_too_long") {
		t.Fatalf("missing reply_too_long summary: %q", out)
	}

	buf.Reset()
	l.Flush(start.Add(2 * time.Minute))
	if buf.Len() != 0 {
		t.Fatalf("expected empty flush after summary, got %q", buf.String())
	}
}

func TestWarningLogNilSafe(t *testing.T) {
	var l *WarningLog
	l.Note(time.Now(), core.Warning{Code: core.WarnEmptyReply})
	l.Flush(time.Now())
}
