package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/cycle"
	"github.com/you/mediamail/internal/mail"
	"github.com/you/mediamail/internal/score"
	"github.com/you/mediamail/internal/store"
)

type captureSender struct {
	bodies []string
	err    error
}

func (c *captureSender) SendWithRetry(_ context.Context, body string) error {
	if c.err != nil {
		return c.err
	}
	c.bodies = append(c.bodies, body)
	return nil
}

func newTestBot(t *testing.T, send sender, sendEmpty bool, msgs ...core.Message) *bot {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "mailbot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, m := range msgs {
		if _, err := db.Write(m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := cycle.NewRunner(db, cycle.Options{
		Queries: []cycle.QuerySpec{{
			Title: "Storms",
			Limit: 5,
			Build: func(time.Time) store.Query { return store.Query{Terms: []string{"storm"}} },
		}},
		Scoring: score.Config{Interested: map[string]int{"storm": 3}}.Normalized(),
		Workers: 2,
		Header:  "MediaMail Email",
		Logger:  logger,
	})
	return &bot{
		runner:    runner,
		send:      send,
		render:    mail.RenderOptions{ASCIIOnly: true},
		sendEmpty: sendEmpty,
		log:       logger,
	}
}

func TestRunCycleSendsDigest(t *testing.T) {
	send := &captureSender{}
	b := newTestBot(t, send, false, core.Message{
		Platform: "twitter", SourceID: "1", Text: "storm coming", AuthorScreenName: "amy",
		Tokens: []string{"storm", "coming"}, Ts: time.Now().UTC(),
	})

	d, err := b.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if d.HitCount() != 1 || len(send.bodies) != 1 {
		t.Fatalf("expected one hit delivered, got %d hits and %d mails", d.HitCount(), len(send.bodies))
	}
	body := send.bodies[0]
	if !strings.HasPrefix(body, "MediaMail Email\n\n") || !strings.Contains(body, "amy: storm coming") {
		t.Fatalf("unexpected digest body:\n%s", body)
	}
}

func TestRunCycleSkipsEmptyDigest(t *testing.T) {
	send := &captureSender{}
	b := newTestBot(t, send, false)
	if _, err := b.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if len(send.bodies) != 0 {
		t.Fatalf("empty digest should not be mailed")
	}

	b.sendEmpty = true
	if _, err := b.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if len(send.bodies) != 1 {
		t.Fatalf("send_empty should mail the bare digest")
	}
}

func TestRunCycleReportsSendFailure(t *testing.T) {
	boom := errors.New("smtp down")
	b := newTestBot(t, &captureSender{err: boom}, true)
	if _, err := b.RunCycle(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected send error, got %v", err)
	}
}
