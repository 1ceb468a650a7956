// Package cycle runs one digest cycle: every configured query is scanned
// from the store, scored, ranked and assembled into a digest.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/digest"
	"github.com/you/mediamail/internal/rank"
	"github.com/you/mediamail/internal/score"
	"github.com/you/mediamail/internal/store"
	"github.com/you/mediamail/internal/trace"
)

// Source streams stored messages matching a query.
type Source interface {
	Scan(ctx context.Context, q store.Query, fn func(core.Message) error) error
}

// QuerySpec is one digest section. Build is called once per run so relative
// windows such as "last 24h" follow the clock.
type QuerySpec struct {
	Title string
	Limit int
	Build func(now time.Time) store.Query
}

type Options struct {
	Queries      []QuerySpec
	Order        []string
	DefaultLimit int
	Scoring      score.Config
	Workers      int
	Header       string
	Footer       string
	Logger       *slog.Logger
	Now          func() time.Time

	// Scorer defaults to score.Hit.
	Scorer func(core.Message, score.Config) core.ScoredHit
}

// Report is the full outcome of a run.
type Report struct {
	Digest   digest.Digest
	Warnings []core.Warning
	Trace    *trace.CycleTrace
}

type Runner struct {
	src  Source
	opts Options
	log  *slog.Logger
}

func NewRunner(src Source, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = rank.DefaultLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Scorer == nil {
		opts.Scorer = score.Hit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{src: src, opts: opts, log: logger}
}

// Run builds the digest. When some query scans fail the digest still
// carries the sections that succeeded and the scan errors are returned
// joined.
func (r *Runner) Run(ctx context.Context) (digest.Digest, error) {
	rep, err := r.RunReport(ctx)
	return rep.Digest, err
}

type job struct {
	title string
	msg   core.Message
}

func (r *Runner) RunReport(ctx context.Context) (Report, error) {
	now := r.opts.Now()
	titles := make([]string, 0, len(r.opts.Queries))
	limits := make(map[string]int, len(r.opts.Queries))
	for _, q := range r.opts.Queries {
		titles = append(titles, q.Title)
		if q.Limit > 0 {
			limits[q.Title] = q.Limit
		}
	}
	tr := trace.NewCycleTrace("digest", now, titles...)
	builder := rank.NewBuilder(limits, r.opts.DefaultLimit)

	var (
		mu       sync.Mutex
		warnings []core.Warning
		scanErrs []error
	)
	warn := func(w core.Warning) {
		mu.Lock()
		warnings = append(warnings, w)
		mu.Unlock()
	}

	jobs := make(chan job, r.opts.Workers*4)
	g, gctx := errgroup.WithContext(ctx)
	for range r.opts.Workers {
		g.Go(func() error {
			for j := range jobs {
				if hit, w, ok := r.scoreOne(j); ok {
					tr.Inc(trace.StageScored)
					builder.Offer(j.title, hit)
				} else {
					tr.Inc(trace.StageExcluded("message"))
					warn(w)
				}
			}
			return nil
		})
	}

	var scans sync.WaitGroup
	for _, q := range r.opts.Queries {
		scans.Add(1)
		go func() {
			defer scans.Done()
			var sq store.Query
			if q.Build != nil {
				sq = q.Build(now)
			}
			err := r.src.Scan(gctx, sq, func(m core.Message) error {
				tr.Inc(trace.StageScanned)
				select {
				case jobs <- job{title: q.Title, msg: m}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
			if err != nil && ctx.Err() == nil {
				tr.Inc(trace.StageFailed("query"))
				r.log.Error("cycle: query scan failed", "title", q.Title, "err", err)
				mu.Lock()
				scanErrs = append(scanErrs, err)
				mu.Unlock()
			}
		}()
	}
	scans.Wait()
	close(jobs)
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Report{Trace: tr, Warnings: warnings}, err
	}

	asm := digest.Assembler{Known: titles, Order: r.opts.Order, Now: r.opts.Now}
	d, asmWarnings := asm.Assemble(builder.Finalize(), r.opts.Header, r.opts.Footer)
	warnings = append(warnings, asmWarnings...)
	tr.Add(trace.StageRetained, int64(d.HitCount()))
	tr.Log(r.log, "cycle: trace")
	for _, w := range warnings {
		r.log.Warn("cycle: warning", "code", string(w.Code), "ticket", w.Ticket, "detail", w.Detail)
	}

	return Report{Digest: d, Warnings: warnings, Trace: tr}, errors.Join(scanErrs...)
}

func (r *Runner) scoreOne(j job) (hit core.ScoredHit, w core.Warning, ok bool) {
	excluded := func(detail string) core.Warning {
		return core.Warning{Code: core.WarnExcludedMessage, Ticket: j.msg.MMID, Detail: j.title + ": " + detail}
	}
	if j.msg.MMID == "" {
		return hit, excluded("message has no ticket"), false
	}
	if strings.TrimSpace(j.msg.Text) == "" {
		return hit, excluded("message has no text"), false
	}
	defer func() {
		if p := recover(); p != nil {
			w, ok = excluded(fmt.Sprintf("scoring panicked: %v", p)), false
		}
	}()
	return r.opts.Scorer(j.msg, r.opts.Scoring), core.Warning{}, true
}
