package reply

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/store"
)

// DefaultMaxLength is the platform reply limit when none is configured.
const DefaultMaxLength = 280

// Lookup resolves a ticket to its stored message. Implementations return an
// error wrapping store.ErrNotFound for unknown tickets.
type Lookup interface {
	Lookup(ctx context.Context, mmid string) (core.Message, error)
}

// DispatchOptions configures a Dispatcher.
type DispatchOptions struct {
	// MaxLength is the platform text limit, counted in runes.
	MaxLength int
	// CountMention includes the "@author " prefix in the length check. The
	// platform normally fills in reply mentions outside the limit.
	CountMention bool
	Logger       *slog.Logger
}

// Dispatcher maps one ReplyCommand to at most one Action.
type Dispatcher struct {
	lookup Lookup
	opts   DispatchOptions
	log    *slog.Logger
}

// Outcome holds exactly one of Action or Warning when Dispatch succeeds.
type Outcome struct {
	Action  *core.Action
	Warning *core.Warning
}

func NewDispatcher(lookup Lookup, opts DispatchOptions) *Dispatcher {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{lookup: lookup, opts: opts, log: logger}
}

// Dispatch validates cmd. Data problems come back as a Warning; a lookup
// failure other than not-found is returned unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd core.ReplyCommand) (Outcome, error) {
	msg, err := d.lookup.Lookup(ctx, cmd.Ticket)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return d.warn(cmd, core.WarnUnknownTicket, "unknown ticket"), nil
		}
		return Outcome{}, err
	}

	target := msg.SourceID
	if target == "" {
		target = msg.MMID
	}

	switch c := cmd.Cmd.(type) {
	case core.Like:
		return Outcome{Action: &core.Action{
			Kind:      core.ActionFavorite,
			MMID:      msg.MMID,
			TargetID:  target,
			RequestID: requestID(core.ActionFavorite, msg.MMID, ""),
		}}, nil

	case core.Reply:
		if strings.TrimSpace(c.Text) == "" {
			return d.warn(cmd, core.WarnEmptyReply, "empty reply"), nil
		}
		author := strings.TrimPrefix(strings.TrimSpace(msg.AuthorScreenName), "@")
		if author == "" {
			return d.warn(cmd, core.WarnMissingAuthor, "message has no author to reply to"), nil
		}
		text := "@" + author + " " + c.Text

		counted := utf8.RuneCountInString(c.Text)
		if d.opts.CountMention {
			counted = utf8.RuneCountInString(text)
		}
		if counted > d.opts.MaxLength {
			return d.warn(cmd, core.WarnReplyTooLong,
				"reply too long: "+strconv.Itoa(counted)+" > "+strconv.Itoa(d.opts.MaxLength)), nil
		}
		return Outcome{Action: &core.Action{
			Kind:      core.ActionReply,
			MMID:      msg.MMID,
			TargetID:  target,
			Text:      text,
			RequestID: requestID(core.ActionReply, msg.MMID, text),
		}}, nil
	}

	return d.warn(cmd, core.WarnUnknownCommand, "unsupported command"), nil
}

func (d *Dispatcher) warn(cmd core.ReplyCommand, code core.WarningCode, detail string) Outcome {
	w := core.Warning{Code: code, Ticket: cmd.Ticket, Detail: detail}
	d.log.Warn("reply: "+detail, "code", code, "ticket", cmd.Ticket, "line", cmd.Line)
	return Outcome{Warning: &w}
}

// requestID derives a stable idempotency key so the same reply email
// processed twice yields the same platform request.
func requestID(kind core.ActionKind, mmid, text string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mediamail:"+string(kind)+":"+mmid+":"+text)).String()
}
