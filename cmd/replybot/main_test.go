package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/mail"
	"github.com/you/mediamail/internal/reply"
	"github.com/you/mediamail/internal/store"
)

type flakyPlatform struct{ fail bool }

func (f flakyPlatform) Favorite(context.Context, core.Action) error {
	if f.fail {
		return errors.New("platform unavailable")
	}
	return nil
}

func (f flakyPlatform) PostReply(context.Context, core.Action) error { return nil }

func newTestBot(t *testing.T, platform reply.Platform) (*bot, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "replybot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Write(core.Message{Platform: "twitter", SourceID: "55", Text: "storm", AuthorScreenName: "amy", Ts: time.Now()}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inbox := mail.Inbox{Dir: filepath.Join(dir, "inbox"), Logger: logger}
	if err := inbox.Ensure(); err != nil {
		t.Fatalf("ensure inbox: %v", err)
	}
	return &bot{
		inbox: inbox,
		proc: &reply.Processor{
			Parser:     reply.NewParser(reply.ParserOptions{Logger: logger}),
			Dispatcher: reply.NewDispatcher(db, reply.DispatchOptions{Logger: logger}),
			Platform:   platform,
			Warnings:   reply.NewWarningLog(time.Now(), false, time.Hour, logger),
		},
		workers: 2,
		log:     logger,
	}, inbox.Dir
}

func deliver(t *testing.T, dir, name, body string) {
	t.Helper()
	msg := "From: amy@example.com\r\nSubject: Re: digest\r\nContent-Type: text/plain\r\n\r\n" + body
	if err := os.WriteFile(filepath.Join(dir, "new", name), []byte(msg), 0o644); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func TestDrainInboxArchivesProcessedMail(t *testing.T) {
	b, dir := newTestBot(t, flakyPlatform{})
	deliver(t, dir, "1.eml", "00001 like\r\n00001 reply thanks\r\n")
	deliver(t, dir, "2.eml", "no commands here\r\n")

	n, err := b.DrainInbox(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 archived, got %d", n)
	}
	pending, err := b.inbox.Pending()
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected empty new/, got %v (%v)", pending, err)
	}
}

// countingPlatform fails every favorite and counts replies.
type countingPlatform struct {
	mu      sync.Mutex
	replies int
}

func (c *countingPlatform) Favorite(context.Context, core.Action) error {
	return errors.New("platform unavailable")
}

func (c *countingPlatform) PostReply(context.Context, core.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies++
	return nil
}

func failedFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "failed"))
	if err != nil {
		t.Fatalf("read failed/: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDrainInboxQuarantinesFailedMail(t *testing.T) {
	b, dir := newTestBot(t, flakyPlatform{fail: true})
	deliver(t, dir, "1.eml", "00001 like\r\n")

	n, err := b.DrainInbox(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed mail is not clean, got %d", n)
	}
	if pending, _ := b.inbox.Pending(); len(pending) != 0 {
		t.Fatalf("expected new/ to be empty, got %v", pending)
	}
	if got := failedFiles(t, dir); len(got) != 1 || got[0] != "1.eml" {
		t.Fatalf("expected 1.eml in failed/, got %v", got)
	}
}

func TestRepeatedDrainsSendEachReplyOnce(t *testing.T) {
	platform := &countingPlatform{}
	b, dir := newTestBot(t, platform)
	deliver(t, dir, "1.eml", "00001 reply thanks\r\n00001 like\r\n")

	for i := range 3 {
		if _, err := b.DrainInbox(context.Background()); err != nil {
			t.Fatalf("drain #%d: %v", i, err)
		}
	}
	if platform.replies != 1 {
		t.Fatalf("expected one reply across drains, got %d", platform.replies)
	}
}

func TestDrainInboxQuarantinesUnreadableMail(t *testing.T) {
	b, dir := newTestBot(t, flakyPlatform{})
	html := "From: amy@example.com\r\nContent-Type: text/html\r\n\r\n<p>00001 like</p>\r\n"
	if err := os.WriteFile(filepath.Join(dir, "new", "html.eml"), []byte(html), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := b.DrainInbox(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := failedFiles(t, dir); len(got) != 1 || got[0] != "html.eml" {
		t.Fatalf("expected html.eml in failed/, got %v", got)
	}
}

func TestDrainInboxDefersMailOnShutdown(t *testing.T) {
	b, dir := newTestBot(t, flakyPlatform{})
	deliver(t, dir, "1.eml", "00001 like\r\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.DrainInbox(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if pending, _ := b.inbox.Pending(); len(pending) != 1 {
		t.Fatalf("untouched mail should wait for the next run, got %v", pending)
	}
}

func TestHandleReturnsPlatformError(t *testing.T) {
	b, dir := newTestBot(t, flakyPlatform{fail: true})
	deliver(t, dir, "1.eml", "00001 like\r\n")
	pending, _ := b.inbox.Pending()
	if err := b.handle(context.Background(), pending[0]); err == nil {
		t.Fatalf("expected platform error from handle")
	}
}
