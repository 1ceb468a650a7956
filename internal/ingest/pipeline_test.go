package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/store"
	"github.com/you/mediamail/internal/trace"
)

type memWriter struct {
	msgs []core.Message
	err  error
}

func (w *memWriter) Write(msg core.Message) (core.Message, error) {
	if w.err != nil {
		return msg, w.err
	}
	msg.MMID = store.FormatMMID(int64(len(w.msgs) + 1))
	w.msgs = append(w.msgs, msg)
	return msg, nil
}

func TestPipelineIngest(t *testing.T) {
	w := &memWriter{}
	p := &Pipeline{
		Preparer: Preparer{Now: func() time.Time { return time.Unix(100, 0) }},
		Writer:   w,
	}

	msg, err := p.Ingest(context.Background(), []byte(`{"id_str":"7","text":"river rising fast","user":{"screen_name":"bo"}}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if msg.MMID == "" || len(w.msgs) != 1 {
		t.Fatalf("expected stored message, got %+v", msg)
	}

	if _, err := p.Ingest(context.Background(), []byte(`{"text":""}`)); !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}

	tr := p.current()
	if tr.Count(trace.StageReceived) != 2 || tr.Count(trace.StageWritten) != 1 {
		t.Fatalf("unexpected counters %v", tr.Snapshot())
	}
	if tr.Count(trace.StageExcluded("no_text")) != 1 {
		t.Fatalf("expected no_text exclusion, got %v", tr.Snapshot())
	}

	p.Flush()
	if next := p.current(); next == tr || next.Count(trace.StageReceived) != 0 {
		t.Fatalf("flush should start a fresh trace")
	}
}

func TestPipelineWriteError(t *testing.T) {
	boom := errors.New("disk full")
	p := &Pipeline{Writer: &memWriter{err: boom}}
	if _, err := p.Ingest(context.Background(), []byte(`{"text":"hello world"}`)); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
	if p.current().Count(trace.StageFailed("write")) != 1 {
		t.Fatalf("expected failed_write counter")
	}
}

func TestPipelineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &Pipeline{Writer: &memWriter{}}
	if _, err := p.Ingest(ctx, []byte(`{"text":"hello"}`)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
