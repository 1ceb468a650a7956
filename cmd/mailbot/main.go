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
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/you/mediamail/internal/config"
	"github.com/you/mediamail/internal/cycle"
	"github.com/you/mediamail/internal/digest"
	httpadmin "github.com/you/mediamail/internal/http"
	"github.com/you/mediamail/internal/mail"
	"github.com/you/mediamail/internal/scheduler"
	"github.com/you/mediamail/internal/store"
	"github.com/you/mediamail/internal/version"
)

// sender is satisfied by mail.SMTPSender.
type sender interface {
	SendWithRetry(ctx context.Context, body string) error
}

type stdoutSender struct{}

func (stdoutSender) SendWithRetry(_ context.Context, body string) error {
	_, err := os.Stdout.WriteString(body)
	return err
}

// bot runs one cycle, renders it and delivers it. Cycles never overlap.
type bot struct {
	runner    *cycle.Runner
	send      sender
	render    mail.RenderOptions
	sendEmpty bool
	log       *slog.Logger

	mu sync.Mutex
}

func (b *bot) RunCycle(ctx context.Context) (digest.Digest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, runErr := b.runner.Run(ctx)
	if runErr != nil {
		b.log.Error("mailbot: cycle had failing queries", "err", runErr)
	}
	if d.Empty() && !b.sendEmpty {
		b.log.Info("mailbot: nothing to send")
		return d, runErr
	}
	if err := b.send.SendWithRetry(ctx, mail.Render(d, b.render)); err != nil {
		return d, errors.Join(runErr, err)
	}
	b.log.Info("mailbot: digest delivered", "sections", len(d.Sections), "hits", d.HitCount())
	return d, runErr
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		configPath  string
		dbPath      string
		schedule    string
		timezone    string
		adminAddr   string
		stdout      bool
		verbose     bool
		logLevel    string
		timeout     time.Duration
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&configPath, "config", "", "Path to config file (JSON or YAML)")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite database file")
	flag.StringVar(&schedule, "schedule", "", `Run on a schedule: "HH:MM", a cron expression or "@every 6h"`)
	flag.StringVar(&timezone, "timezone", "", "IANA timezone for the schedule")
	flag.StringVar(&adminAddr, "admin-addr", "", "Admin HTTP address (e.g., :8766)")
	flag.BoolVar(&stdout, "stdout", false, "Print the digest instead of mailing it")
	flag.BoolVar(&verbose, "verbose", false, "Include score breakdowns in the digest")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.DurationVar(&timeout, "cycle-timeout", 2*time.Hour, "Upper bound for one scheduled cycle including mail retries")
	flag.Parse()

	if versionFlag {
		fmt.Printf("mailbot version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("mailbot: load config: %v", err)
	}
	if overrides["sqlite"] {
		cfg.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["schedule"] {
		cfg.Email.Schedule = strings.TrimSpace(schedule)
	}
	if overrides["timezone"] {
		cfg.Email.Timezone = strings.TrimSpace(timezone)
	}
	if overrides["verbose"] {
		cfg.Email.Debug = verbose
	}
	if overrides["log-level"] {
		cfg.LogLevel = logLevel
	}
	if err := cfg.ValidateDigest(); err != nil {
		log.Fatalf("mailbot: invalid config: %v", err)
	}

	logger := config.NewLogger(cfg.LogLevel)
	log.Printf("%s", cfg.SummaryJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("mailbot: received %s, shutting down", sig)
		cancel()
	}()

	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("mailbot: open sqlite: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("mailbot: closing store: %v", err)
		}
	}()

	specs := make([]cycle.QuerySpec, 0, len(cfg.Queries))
	limits := cfg.Limits()
	for _, q := range cfg.Queries {
		title := strings.TrimSpace(q.Title)
		specs = append(specs, cycle.QuerySpec{Title: title, Limit: limits[title], Build: q.StoreQuery})
	}

	runner := cycle.NewRunner(db, cycle.Options{
		Queries:      specs,
		Order:        cfg.QueryOrder,
		DefaultLimit: cfg.HitLimit,
		Scoring:      cfg.ScoreConfig(),
		Workers:      cfg.Workers,
		Header:       cfg.Email.Title,
		Footer:       cfg.Email.Footer,
		Logger:       logger,
	})

	b := &bot{
		runner:    runner,
		render:    mail.RenderOptions{Verbose: cfg.Email.Debug, ASCIIOnly: cfg.ASCIIOnly()},
		sendEmpty: cfg.Email.SendEmpty,
		log:       logger,
	}
	if stdout {
		b.send = stdoutSender{}
	} else {
		if cfg.Email.SMTPHost == "" || len(cfg.Email.UserAddress) == 0 {
			log.Fatal("mailbot: smtp_host and user_address are required unless -stdout is set")
		}
		b.send = mail.NewSMTPSender(mail.SMTPOptions{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUsername,
			Password: cfg.Email.SMTPPassword,
			From:     cfg.Email.SenderAddress,
			To:       cfg.Email.UserAddress,
			Subject:  cfg.Email.Subject,
			Logger:   logger,
		})
	}

	var admin *http.Server
	if adminAddr != "" {
		mux := http.NewServeMux()
		httpadmin.New(b, nil).Register(mux)
		admin = &http.Server{Addr: adminAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("mailbot: admin listening on %s", adminAddr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("mailbot: admin http: %v", err)
			}
		}()
	}

	if cfg.Email.Schedule == "" {
		if _, err := b.RunCycle(ctx); err != nil {
			log.Printf("mailbot: %v", err)
			shutdownAdmin(admin)
			os.Exit(1)
		}
		shutdownAdmin(admin)
		return
	}

	sched, err := scheduler.New(scheduler.Options{
		Spec:     cfg.Email.Schedule,
		Timezone: cfg.Email.Timezone,
		Timeout:  timeout,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("mailbot: schedule: %v", err)
	}
	log.Printf("mailbot: scheduled %q", cfg.Email.Schedule)
	if err := sched.Run(ctx, func(ctx context.Context) error {
		_, err := b.RunCycle(ctx)
		return err
	}); err != nil {
		log.Printf("mailbot: scheduler: %v", err)
	}
	shutdownAdmin(admin)
}

func shutdownAdmin(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("mailbot: admin shutdown: %v", err)
	}
}
