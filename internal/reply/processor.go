package reply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/you/mediamail/internal/core"
)

// Platform executes actions against the live platform.
type Platform interface {
	Favorite(ctx context.Context, a core.Action) error
	PostReply(ctx context.Context, a core.Action) error
}

// Failure is one command whose lookup or platform call failed. Kind is
// empty when the lookup failed.
type Failure struct {
	Ticket string
	Kind   core.ActionKind
	Err    error
}

// Report summarizes one processed reply email.
type Report struct {
	Source   string
	Commands int
	Actions  []core.Action
	Warnings []core.Warning
	Failures []Failure
	// Err is the joined collaborator failure for this email, set by ProcessAll.
	Err error
}

// Touched reports whether any command of the email reached the platform,
// or would have in dry-run mode.
func (r Report) Touched() bool {
	if len(r.Actions) > 0 {
		return true
	}
	for _, f := range r.Failures {
		if f.Kind != "" {
			return true
		}
	}
	return false
}

// Processor runs parse, dispatch and platform hand-off for reply bodies.
type Processor struct {
	Parser     *Parser
	Dispatcher *Dispatcher
	Platform   Platform
	Warnings   *WarningLog
	// DryRun skips the platform call; actions are still reported.
	DryRun bool
}

// Process handles one body. Collaborator failures are recorded per command
// in Report.Failures and joined, unchanged, into the returned error; the
// remaining commands still run. A command is attempted at most once.
func (p *Processor) Process(ctx context.Context, source, body string) (Report, error) {
	cmds, warnings := p.Parser.Parse(body)
	rep := Report{Source: source, Commands: len(cmds), Warnings: warnings}

	var errs []error
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		out, err := p.Dispatcher.Dispatch(ctx, cmd)
		if err != nil {
			rep.Failures = append(rep.Failures, Failure{Ticket: cmd.Ticket, Err: err})
			errs = append(errs, err)
			continue
		}
		if out.Warning != nil {
			rep.Warnings = append(rep.Warnings, *out.Warning)
			continue
		}
		if out.Action == nil {
			continue
		}
		if !p.DryRun && p.Platform != nil {
			if err := p.execute(ctx, *out.Action); err != nil {
				rep.Failures = append(rep.Failures, Failure{Ticket: cmd.Ticket, Kind: out.Action.Kind, Err: err})
				errs = append(errs, err)
				continue
			}
		}
		rep.Actions = append(rep.Actions, *out.Action)
	}

	now := time.Now()
	for _, w := range rep.Warnings {
		p.Warnings.Note(now, w)
	}
	return rep, errors.Join(errs...)
}

func (p *Processor) execute(ctx context.Context, a core.Action) error {
	switch a.Kind {
	case core.ActionFavorite:
		return p.Platform.Favorite(ctx, a)
	case core.ActionReply:
		return p.Platform.PostReply(ctx, a)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// Email is one inbound reply body with a label for logs.
type Email struct {
	Source string
	Body   string
}

// ProcessAll handles emails in parallel, at most workers at a time. Reports
// are returned in input order.
func (p *Processor) ProcessAll(ctx context.Context, emails []Email, workers int) ([]Report, error) {
	if workers <= 0 {
		workers = 1
	}
	reports := make([]Report, len(emails))
	errs := make([]error, len(emails))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, e := range emails {
		g.Go(func() error {
			rep, err := p.Process(gctx, e.Source, e.Body)
			rep.Err = err
			reports[i] = rep
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}
