package reply

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/you/mediamail/internal/core"
)

const (
	warnSummaryInterval = time.Minute
	sampleMaxLen        = 96
)

var (
	bearerRe    = regexp.MustCompile(`(?i)bearer\s+[^\s;]+`)
	longTokenRe = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{32,}`)
)

// WarningLog aggregates warnings by code and emits one summary line per
// code every interval, so a noisy inbox does not flood the log.
type WarningLog struct {
	verbose  bool
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	nextEmit time.Time
	codes    map[core.WarningCode]*warnSummary
}

type warnSummary struct {
	total   int
	tickets map[string]int
	sample  string
}

func NewWarningLog(now time.Time, verbose bool, interval time.Duration, logger *slog.Logger) *WarningLog {
	if interval <= 0 {
		interval = warnSummaryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WarningLog{
		verbose:  verbose,
		interval: interval,
		logger:   logger,
		nextEmit: now.Add(interval),
		codes:    make(map[core.WarningCode]*warnSummary),
	}
}

// Note records w and flushes when the interval has elapsed.
func (l *WarningLog) Note(now time.Time, w core.Warning) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sample := sanitizeAndTruncate(w.Detail, sampleMaxLen)
	if l.verbose {
		l.logger.Debug("reply: warning", "code", w.Code, "ticket", w.Ticket, "detail", sample)
	}

	entry := l.codes[w.Code]
	if entry == nil {
		entry = &warnSummary{tickets: make(map[string]int)}
		l.codes[w.Code] = entry
	}
	entry.total++
	if w.Ticket != "" {
		entry.tickets[w.Ticket]++
	}
	if entry.sample == "" {
		entry.sample = sample
	}

	if !now.Before(l.nextEmit) {
		l.flushLocked(now)
	}
}

// Flush emits pending summaries immediately.
func (l *WarningLog) Flush(now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked(now)
}

func (l *WarningLog) flushLocked(now time.Time) {
	codes := make([]string, 0, len(l.codes))
	for code := range l.codes {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)
	for _, code := range codes {
		ws := l.codes[core.WarningCode(code)]
		if ws == nil || ws.total == 0 {
			continue
		}
		l.logger.Info("reply: warnings_"+code,
			"total", ws.total,
			"tickets", formatTicketCounts(ws.tickets),
			"sample", ws.sample,
		)
	}
	clear(l.codes)
	l.nextEmit = now.Add(l.interval)
}

func formatTicketCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, counts[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// sanitizeAndTruncate flattens s onto one line, redacts anything that looks
// like a credential and caps the length for logging.
func sanitizeAndTruncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	s = bearerRe.ReplaceAllString(s, "Bearer [REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
