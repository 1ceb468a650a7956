// Package trace counts how many messages pass each stage of a digest cycle
// or an ingest batch, and logs the tally.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type Stage string

const (
	StageScanned  Stage = "scanned"
	StageScored   Stage = "scored"
	StageRetained Stage = "retained"
	StageReceived Stage = "received"
	StagePrepared Stage = "prepared"
	StageWritten  Stage = "written_to_db"

	StageExcludedPrefix = "excluded_"
	StageFailedPrefix   = "failed_"
)

// StageExcluded names a stage for messages skipped for reason.
func StageExcluded(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageExcludedPrefix, reason))
}

// StageFailed names a stage for a failing unit such as one query.
func StageFailed(what string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageFailedPrefix, what))
}

// CycleTrace is safe for concurrent use by the cycle's workers.
type CycleTrace struct {
	Kind    string
	Labels  []string
	Started time.Time
	TraceID string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewCycleTrace seeds a trace whose id is derived from kind, start time and
// labels, so a rerun of the same cycle logs the same id.
func NewCycleTrace(kind string, started time.Time, labels ...string) *CycleTrace {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	return &CycleTrace{
		Kind:     kind,
		Labels:   sorted,
		Started:  started,
		TraceID:  computeTraceID(kind, started, sorted),
		counters: make(map[Stage]int64),
	}
}

// Inc increments the counter for stage and returns the updated value.
func (t *CycleTrace) Inc(stage Stage) int64 {
	return t.Add(stage, 1)
}

func (t *CycleTrace) Add(stage Stage, n int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage] += n
	return t.counters[stage]
}

func (t *CycleTrace) Count(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// Log writes the trace and a snapshot of its counters.
func (t *CycleTrace) Log(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(msg,
		"trace_id", t.TraceID,
		"kind", t.Kind,
		"labels", strings.Join(t.Labels, ","),
		"dur", time.Since(t.Started).String(),
		"counters", t.Snapshot(),
	)
}

func (t *CycleTrace) Snapshot() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func computeTraceID(kind string, started time.Time, labels []string) string {
	digest := sha256.Sum256([]byte(kind + "\x1f" + started.UTC().Format(time.RFC3339Nano) + "\x1f" + strings.Join(labels, "\x1f")))
	return hex.EncodeToString(digest[:8])
}
