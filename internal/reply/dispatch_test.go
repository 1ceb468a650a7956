package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/store"
)

type fakeLookup struct {
	messages map[string]core.Message
	err      error
}

func (f fakeLookup) Lookup(_ context.Context, mmid string) (core.Message, error) {
	if f.err != nil {
		return core.Message{}, f.err
	}
	msg, ok := f.messages[mmid]
	if !ok {
		return core.Message{}, fmt.Errorf("%w: %s", store.ErrNotFound, mmid)
	}
	return msg, nil
}

func testLookup() fakeLookup {
	return fakeLookup{messages: map[string]core.Message{
		"00001": {MMID: "00001", SourceID: "900", Text: "storm", AuthorScreenName: "amy"},
		"00002": {MMID: "00002", Text: "no author"},
	}}
}

func TestDispatchLike(t *testing.T) {
	d := NewDispatcher(testLookup(), DispatchOptions{Logger: quietLogger()})
	out, err := d.Dispatch(context.Background(), core.ReplyCommand{Ticket: "00001", Cmd: core.Like{}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Warning != nil || out.Action == nil {
		t.Fatalf("expected action, got %+v", out)
	}
	a := out.Action
	if a.Kind != core.ActionFavorite || a.TargetID != "900" || a.MMID != "00001" || a.Text != "" {
		t.Fatalf("unexpected action: %+v", a)
	}
	if a.RequestID == "" {
		t.Fatalf("expected request id")
	}
}

func TestDispatchReplyPrefixesAuthor(t *testing.T) {
	d := NewDispatcher(testLookup(), DispatchOptions{Logger: quietLogger()})
	out, err := d.Dispatch(context.Background(), core.ReplyCommand{Ticket: "00001", Cmd: core.Reply{Text: "stay safe"}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Action == nil || out.Action.Kind != core.ActionReply || out.Action.Text != "@amy stay safe" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestDispatchReplyLengthBoundary(t *testing.T) {
	const limit = 20
	tests := []struct {
		name         string
		countMention bool
		argLen       int
		accepted     bool
	}{
		{name: "argument at limit", argLen: limit, accepted: true},
		{name: "argument over limit", argLen: limit + 1, accepted: false},
		{name: "composed at limit", countMention: true, argLen: limit - len("@amy "), accepted: true},
		{name: "composed over limit", countMention: true, argLen: limit - len("@amy ") + 1, accepted: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDispatcher(testLookup(), DispatchOptions{MaxLength: limit, CountMention: tc.countMention, Logger: quietLogger()})
			arg := strings.Repeat("é", tc.argLen)
			out, err := d.Dispatch(context.Background(), core.ReplyCommand{Ticket: "00001", Cmd: core.Reply{Text: arg}})
			if err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			if tc.accepted {
				if out.Action == nil || out.Warning != nil {
					t.Fatalf("expected action, got %+v", out)
				}
				return
			}
			if out.Action != nil {
				t.Fatalf("expected no action, got %+v", out.Action)
			}
			if out.Warning == nil || out.Warning.Code != core.WarnReplyTooLong {
				t.Fatalf("expected reply_too_long warning, got %+v", out.Warning)
			}
		})
	}
}

func TestDispatchWarnings(t *testing.T) {
	d := NewDispatcher(testLookup(), DispatchOptions{Logger: quietLogger()})
	tests := []struct {
		name string
		cmd  core.ReplyCommand
		code core.WarningCode
	}{
		{name: "unknown ticket", cmd: core.ReplyCommand{Ticket: "55555", Cmd: core.Like{}}, code: core.WarnUnknownTicket},
		{name: "empty reply", cmd: core.ReplyCommand{Ticket: "00001", Cmd: core.Reply{Text: "  "}}, code: core.WarnEmptyReply},
		{name: "missing author", cmd: core.ReplyCommand{Ticket: "00002", Cmd: core.Reply{Text: "hi"}}, code: core.WarnMissingAuthor},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := d.Dispatch(context.Background(), tc.cmd)
			if err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			if out.Action != nil || out.Warning == nil || out.Warning.Code != tc.code {
				t.Fatalf("expected %s warning, got %+v", tc.code, out)
			}
			if out.Warning.Ticket != tc.cmd.Ticket {
				t.Fatalf("warning lost ticket: %+v", out.Warning)
			}
		})
	}
}

func TestDispatchPropagatesLookupFailure(t *testing.T) {
	boom := errors.New("database is locked")
	d := NewDispatcher(fakeLookup{err: boom}, DispatchOptions{Logger: quietLogger()})
	_, err := d.Dispatch(context.Background(), core.ReplyCommand{Ticket: "00001", Cmd: core.Like{}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected lookup error unchanged, got %v", err)
	}
}

func TestDispatchRequestIDStable(t *testing.T) {
	d := NewDispatcher(testLookup(), DispatchOptions{Logger: quietLogger()})
	cmd := core.ReplyCommand{Ticket: "00001", Cmd: core.Reply{Text: "same"}}
	a, _ := d.Dispatch(context.Background(), cmd)
	b, _ := d.Dispatch(context.Background(), cmd)
	if a.Action.RequestID != b.Action.RequestID {
		t.Fatalf("expected stable request id, got %s and %s", a.Action.RequestID, b.Action.RequestID)
	}
	c, _ := d.Dispatch(context.Background(), core.ReplyCommand{Ticket: "00001", Cmd: core.Like{}})
	if c.Action.RequestID == a.Action.RequestID {
		t.Fatalf("expected distinct request id per action")
	}
}
