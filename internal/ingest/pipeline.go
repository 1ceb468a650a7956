package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/store"
	"github.com/you/mediamail/internal/trace"
)

// Pipeline prepares raw posts and hands the result to a store writer.
// It counts every stage in a trace that is logged and reset by Flush.
type Pipeline struct {
	Preparer Preparer
	Writer   store.Writer
	Logger   *slog.Logger

	mu    sync.Mutex
	trace *trace.CycleTrace
}

// Ingest prepares raw and writes it. Rejections are returned unchanged so
// callers can tell them apart with errors.Is.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte) (core.Message, error) {
	if err := ctx.Err(); err != nil {
		return core.Message{}, err
	}
	tr := p.current()
	tr.Inc(trace.StageReceived)

	msg, err := p.Preparer.Prepare(raw)
	if err != nil {
		tr.Inc(trace.StageExcluded(rejectReason(err)))
		return core.Message{}, err
	}
	tr.Inc(trace.StagePrepared)

	stored, err := p.Writer.Write(msg)
	if err != nil {
		tr.Inc(trace.StageFailed("write"))
		return stored, err
	}
	tr.Inc(trace.StageWritten)
	return stored, nil
}

// Flush logs the counters gathered since the last call and starts over.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	tr := p.trace
	p.trace = nil
	p.mu.Unlock()
	if tr == nil {
		return
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tr.Log(logger, "ingest batch")
}

// Run flushes every interval until ctx is done.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Flush()
			return
		case <-ticker.C:
			p.Flush()
		}
	}
}

func (p *Pipeline) current() *trace.CycleTrace {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trace == nil {
		now := time.Now()
		if p.Preparer.Now != nil {
			now = p.Preparer.Now()
		}
		p.trace = trace.NewCycleTrace("ingest", now, p.Preparer.Platform)
	}
	return p.trace
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNoText):
		return "no_text"
	case errors.Is(err, ErrNotFollowed):
		return "not_followed"
	case errors.Is(err, ErrFiltered):
		return "filtered"
	case errors.Is(err, ErrBelowScore):
		return "below_score"
	default:
		return "invalid"
	}
}
