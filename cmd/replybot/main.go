package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/you/mediamail/internal/config"
	httpadmin "github.com/you/mediamail/internal/http"
	"github.com/you/mediamail/internal/mail"
	"github.com/you/mediamail/internal/platform"
	"github.com/you/mediamail/internal/reply"
	"github.com/you/mediamail/internal/store"
	"github.com/you/mediamail/internal/version"
)

// bot feeds inbox messages through the reply processor.
type bot struct {
	inbox   mail.Inbox
	proc    *reply.Processor
	workers int
	log     *slog.Logger
}

// handle processes the message at path once. Any returned error other than
// mail.ErrDeferred sends the file to failed/, so commands that already went
// out are never repeated.
func (b *bot) handle(ctx context.Context, path string) error {
	body, err := mail.ReadBody(path)
	if err != nil {
		return err
	}
	rep, err := b.proc.Process(ctx, path, body)
	b.logReport(rep)
	if err != nil && ctx.Err() != nil && !rep.Touched() {
		return fmt.Errorf("%w: %v", mail.ErrDeferred, err)
	}
	return err
}

// DrainInbox processes every pending message in parallel, exactly once.
// Clean messages move to cur/, messages with failed commands or unreadable
// bodies to failed/. It returns the number of clean messages.
func (b *bot) DrainInbox(ctx context.Context) (int, error) {
	paths, err := b.inbox.Pending()
	if err != nil {
		return 0, err
	}
	emails := make([]reply.Email, 0, len(paths))
	var moveErrs []error
	for _, p := range paths {
		body, err := mail.ReadBody(p)
		if err != nil {
			b.log.Error("replybot: unreadable message", "source", p, "err", err)
			if err := b.inbox.Quarantine(p); err != nil {
				moveErrs = append(moveErrs, err)
			}
			continue
		}
		emails = append(emails, reply.Email{Source: p, Body: body})
	}

	reports, procErr := b.proc.ProcessAll(ctx, emails, b.workers)
	if procErr != nil {
		b.log.Error("replybot: some commands failed", "err", procErr)
	}

	clean := 0
	for _, rep := range reports {
		b.logReport(rep)
		if rep.Err != nil && ctx.Err() != nil && !rep.Touched() {
			continue
		}
		if err := b.inbox.Settle(rep.Source, rep.Err); err != nil {
			moveErrs = append(moveErrs, err)
			continue
		}
		if rep.Err == nil {
			clean++
		}
	}
	return clean, errors.Join(moveErrs...)
}

func (b *bot) logReport(rep reply.Report) {
	b.log.Info("replybot: processed",
		"source", rep.Source,
		"commands", rep.Commands,
		"actions", len(rep.Actions),
		"warnings", len(rep.Warnings),
		"failures", len(rep.Failures),
	)
	for _, f := range rep.Failures {
		b.log.Error("replybot: command failed", "source", rep.Source, "ticket", f.Ticket, "kind", string(f.Kind), "err", f.Err)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		configPath  string
		dbPath      string
		inboxDir    string
		once        string
		dryRun      bool
		adminAddr   string
		logLevel    string
		verbose     bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&configPath, "config", "", "Path to config file (JSON or YAML)")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite database file")
	flag.StringVar(&inboxDir, "inbox", "", "Maildir-style inbox directory to watch")
	flag.StringVar(&once, "once", "", `Process one message file ("-" for stdin) and exit`)
	flag.BoolVar(&dryRun, "dry-run", false, "Parse and validate without calling the platform")
	flag.StringVar(&adminAddr, "admin-addr", "", "Admin HTTP address (e.g., :8767)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.BoolVar(&verbose, "verbose", false, "Log every warning, not only periodic summaries")
	flag.Parse()

	if versionFlag {
		fmt.Printf("replybot version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("replybot: load config: %v", err)
	}
	if overrides["sqlite"] {
		cfg.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["inbox"] {
		cfg.Inbox.Dir = strings.TrimSpace(inboxDir)
	}
	if overrides["dry-run"] {
		cfg.Inbox.DryRun = dryRun
	}
	if overrides["log-level"] {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("replybot: invalid config: %v", err)
	}

	logger := config.NewLogger(cfg.LogLevel)
	log.Printf("%s", cfg.SummaryJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("replybot: received %s, shutting down", sig)
		cancel()
	}()

	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("replybot: open sqlite: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("replybot: closing store: %v", err)
		}
	}()

	var ticketPattern *regexp.Regexp
	if raw := strings.TrimSpace(cfg.Platform.TicketRegexp); raw != "" {
		ticketPattern, err = regexp.Compile(raw)
		if err != nil {
			log.Fatalf("replybot: ticket_regexp: %v", err)
		}
	}

	warnings := reply.NewWarningLog(time.Now(), verbose, 0, logger)
	defer warnings.Flush(time.Now())

	proc := &reply.Processor{
		Parser: reply.NewParser(reply.ParserOptions{TicketPattern: ticketPattern, Logger: logger}),
		Dispatcher: reply.NewDispatcher(db, reply.DispatchOptions{
			MaxLength:    cfg.Platform.ReplyLimit,
			CountMention: cfg.Platform.CountMention,
			Logger:       logger,
		}),
		Warnings: warnings,
		DryRun:   cfg.Inbox.DryRun,
	}
	if !cfg.Inbox.DryRun {
		client, err := newPlatformClient(cfg, logger)
		if err != nil {
			log.Fatalf("replybot: platform: %v", err)
		}
		proc.Platform = client
	}

	b := &bot{
		inbox:   mail.Inbox{Dir: cfg.Inbox.Dir, Logger: logger},
		proc:    proc,
		workers: cfg.Inbox.Workers,
		log:     logger,
	}

	if once != "" {
		if err := processOnce(ctx, proc, once); err != nil {
			log.Printf("replybot: %v", err)
			os.Exit(1)
		}
		return
	}

	if adminAddr != "" {
		mux := http.NewServeMux()
		httpadmin.New(nil, b).Register(mux)
		admin := &http.Server{Addr: adminAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("replybot: admin listening on %s", adminAddr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("replybot: admin http: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	if server := strings.TrimSpace(cfg.Email.Server); server != "" {
		fetcher := mail.NewPOP3Fetcher(b.inbox, mail.POP3Options{
			Host:     server,
			Port:     cfg.POP3Port(),
			TLS:      cfg.POP3TLS(),
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			Logger:   logger,
		})
		log.Printf("replybot: polling pop3 %s:%d every %s", server, cfg.POP3Port(), cfg.PollInterval())
		go fetcher.Poll(ctx, cfg.PollInterval())
	}

	log.Printf("replybot: watching %s (dry_run=%t)", cfg.Inbox.Dir, cfg.Inbox.DryRun)
	if err := b.inbox.Watch(ctx, b.handle); err != nil {
		log.Printf("replybot: watch: %v", err)
	}
}

func newPlatformClient(cfg config.Config, logger *slog.Logger) (*platform.Client, error) {
	var tokens platform.TokenSource
	switch {
	case strings.TrimSpace(cfg.Platform.TokenFile) != "":
		loader := platform.NewFileTokenLoader(cfg.Platform.TokenFile)
		if _, _, err := loader.Load(); err != nil {
			return nil, fmt.Errorf("token file: %w", err)
		}
		tokens = loader
	case strings.TrimSpace(cfg.Platform.Token) != "":
		tokens = platform.StaticToken(cfg.Platform.Token)
	default:
		return nil, errors.New("token or token_file is required unless dry_run is set")
	}
	return platform.NewClient(platform.Options{
		BaseURL:   cfg.Platform.BaseURL,
		Tokens:    tokens,
		RateRPS:   cfg.Platform.RateRPS,
		RateBurst: cfg.Platform.RateBurst,
		Logger:    logger,
	})
}

func processOnce(ctx context.Context, proc *reply.Processor, path string) error {
	var (
		body string
		err  error
	)
	if path == "-" {
		body, err = mail.ParseBody(os.Stdin)
	} else {
		body, err = mail.ReadBody(path)
	}
	if err != nil {
		return err
	}
	rep, err := proc.Process(ctx, path, body)
	for _, a := range rep.Actions {
		fmt.Printf("%s %s %s\n", a.Kind, a.MMID, a.Text)
	}
	return err
}
