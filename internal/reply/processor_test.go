package reply

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you/mediamail/internal/core"
)

var errPlatformDown = errors.New("platform unavailable")

type recordingPlatform struct {
	mu       sync.Mutex
	actions  []core.Action
	failKind core.ActionKind
}

func (r *recordingPlatform) record(a core.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.Kind == r.failKind {
		return errPlatformDown
	}
	r.actions = append(r.actions, a)
	return nil
}

func (r *recordingPlatform) Favorite(_ context.Context, a core.Action) error  { return r.record(a) }
func (r *recordingPlatform) PostReply(_ context.Context, a core.Action) error { return r.record(a) }

func newTestProcessor(p Platform) *Processor {
	return &Processor{
		Parser:     NewParser(ParserOptions{Logger: quietLogger()}),
		Dispatcher: NewDispatcher(testLookup(), DispatchOptions{MaxLength: 10, Logger: quietLogger()}),
		Platform:   p,
		Warnings:   NewWarningLog(time.Now(), false, time.Hour, quietLogger()),
	}
}

func TestProcessEmail(t *testing.T) {
	platform := &recordingPlatform{}
	p := newTestProcessor(platform)
	body := strings.Join([]string{
		"00001 like",
		"00001 reply this reply is too long",
		"00003 like",
		"00002 reply hi",
		"00001 reply ok",
	}, "\n")

	rep, err := p.Process(context.Background(), "msg-1", body)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if rep.Commands != 5 {
		t.Fatalf("expected 5 commands, got %d", rep.Commands)
	}
	if len(rep.Actions) != 2 || len(platform.actions) != 2 {
		t.Fatalf("expected 2 actions, got %+v", rep.Actions)
	}
	if platform.actions[1].Text != "@amy ok" {
		t.Fatalf("unexpected reply text %q", platform.actions[1].Text)
	}
	codes := map[core.WarningCode]bool{}
	for _, w := range rep.Warnings {
		codes[w.Code] = true
	}
	for _, want := range []core.WarningCode{core.WarnReplyTooLong, core.WarnUnknownTicket, core.WarnMissingAuthor} {
		if !codes[want] {
			t.Fatalf("missing %s warning in %v", want, rep.Warnings)
		}
	}
}

func TestProcessPlatformFailureContinues(t *testing.T) {
	platform := &recordingPlatform{failKind: core.ActionFavorite}
	p := newTestProcessor(platform)

	rep, err := p.Process(context.Background(), "msg-2", "00001 like\n00001 reply ok")
	if err == nil || !strings.Contains(err.Error(), "platform unavailable") {
		t.Fatalf("expected platform error, got %v", err)
	}
	if len(rep.Actions) != 1 || rep.Actions[0].Kind != core.ActionReply {
		t.Fatalf("expected reply to still run, got %+v", rep.Actions)
	}
	if len(rep.Failures) != 1 {
		t.Fatalf("expected one recorded failure, got %+v", rep.Failures)
	}
	f := rep.Failures[0]
	if f.Ticket != "00001" || f.Kind != core.ActionFavorite || f.Err != errPlatformDown {
		t.Fatalf("expected the platform error unchanged with its command, got %+v", f)
	}
}

func TestProcessDryRun(t *testing.T) {
	platform := &recordingPlatform{}
	p := newTestProcessor(platform)
	p.DryRun = true

	rep, err := p.Process(context.Background(), "dry", "00001 like")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(rep.Actions) != 1 || len(platform.actions) != 0 {
		t.Fatalf("dry run should report without calling platform: %+v / %+v", rep.Actions, platform.actions)
	}
}

func TestProcessAllKeepsOrder(t *testing.T) {
	platform := &recordingPlatform{}
	p := newTestProcessor(platform)
	emails := []Email{
		{Source: "a", Body: "00001 like"},
		{Source: "b", Body: "nothing here"},
		{Source: "c", Body: "00001 reply yo"},
	}

	reports, err := p.ProcessAll(context.Background(), emails, 3)
	if err != nil {
		t.Fatalf("process all: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	for i, want := range []string{"a", "b", "c"} {
		if reports[i].Source != want {
			t.Fatalf("report %d has source %q", i, reports[i].Source)
		}
	}
	if len(reports[1].Actions) != 0 || len(reports[2].Actions) != 1 {
		t.Fatalf("unexpected actions: %+v", reports)
	}
	if len(platform.actions) != 2 {
		t.Fatalf("expected 2 platform calls, got %d", len(platform.actions))
	}
}

func TestProcessAllMarksFailingEmail(t *testing.T) {
	p := newTestProcessor(&recordingPlatform{failKind: core.ActionFavorite})
	emails := []Email{
		{Source: "ok", Body: "00001 reply yo"},
		{Source: "bad", Body: "00001 like"},
	}

	reports, err := p.ProcessAll(context.Background(), emails, 2)
	if err == nil {
		t.Fatalf("expected joined platform error")
	}
	if reports[0].Err != nil {
		t.Fatalf("clean email should carry no error, got %v", reports[0].Err)
	}
	if reports[1].Err == nil || !strings.Contains(reports[1].Err.Error(), "platform unavailable") {
		t.Fatalf("expected platform error on failing email, got %v", reports[1].Err)
	}
}
