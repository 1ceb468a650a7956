package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/mediamail/internal/config"
	"github.com/you/mediamail/internal/httpapi"
	"github.com/you/mediamail/internal/ingest"
	"github.com/you/mediamail/internal/store"
	"github.com/you/mediamail/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		configPath      string
		dbPath          string
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpMetrics     bool
		httpAccessLog   bool
		httpPprof       bool
		logLevel        string
		traceInterval   time.Duration
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&configPath, "config", "", "Path to config file (JSON or YAML)")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite database file")
	flag.StringVar(&httpAddr, "http-addr", ":8765", "HTTP listen address")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", true, "Log HTTP access records")
	flag.BoolVar(&httpPprof, "http-pprof", false, "Expose pprof handlers under /debug/pprof")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.DurationVar(&traceInterval, "trace-interval", time.Minute, "How often ingest counters are logged")
	flag.Parse()

	if versionFlag {
		fmt.Printf("ingestd version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("ingestd: load config: %v", err)
	}
	if overrides["sqlite"] {
		cfg.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["http-addr"] || cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if overrides["http-rate-rps"] || cfg.HTTP.RateRPS == 0 {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] || cfg.HTTP.RateBurst == 0 {
		cfg.HTTP.RateBurst = httpRateBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = &httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = &httpAccessLog
	}
	if overrides["log-level"] {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("ingestd: invalid config: %v", err)
	}

	logger := config.NewLogger(cfg.LogLevel)
	log.Printf("%s", cfg.SummaryJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("ingestd: received %s, shutting down", sig)
		cancel()
	}()

	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("ingestd: open sqlite: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("ingestd: closing store: %v", err)
		}
	}()
	if err := db.Ping(); err != nil {
		log.Fatalf("ingestd: ping sqlite: %v", err)
	}

	pipeline := &ingest.Pipeline{
		Preparer: ingest.Preparer{
			Platform: cfg.Stream.Platform,
			Common:   cfg.Filters.CommonWords,
			Filters:  ingest.Filters{Blacklist: cfg.Filters.BlacklistWords, Whitelist: cfg.Filters.WhitelistWords},
			Select: ingest.Selection{
				Tracks:    cfg.Stream.Tracks,
				Followers: cfg.Stream.Followers,
				AOIs:      cfg.Stream.AOIs,
			},
			Scoring:  cfg.ScoreConfig(),
			MinScore: cfg.Scoring.MinScore,
		},
		Logger: logger,
	}

	api := httpapi.New(db, httpapi.Options{
		Addr:            cfg.HTTP.Addr,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		RateLimitRPS:    cfg.HTTP.RateRPS,
		RateLimitBurst:  cfg.HTTP.RateBurst,
		EnableMetrics:   cfg.HTTPMetrics(),
		EnableAccessLog: cfg.HTTPAccessLog(),
		EnablePprof:     httpPprof,
		Build:           httpapi.BuildInfo{Version: version.Version, Revision: version.Commit, BuiltAt: version.Built()},
		ConfigSnapshot:  cfg.Redacted(),
		Ingest:          pipeline,
	})

	var writer store.Writer = store.WithAPI(db, api)
	var buffered *store.BufferedWriter
	if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
		// Buffered writes get their ticket on flush, so broadcast from there.
		buffered = store.NewBufferedWriter(db, store.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
			OnStored:      api.Broadcast,
		})
		writer = buffered
		log.Printf("ingestd: buffering writes (batch=%d flush=%s)", cfg.Batch(), cfg.FlushInterval())
	}
	pipeline.Writer = writer

	if len(cfg.Stream.Tracks) > 0 || len(cfg.Stream.Followers) > 0 || len(cfg.Stream.AOIs) > 0 {
		log.Printf(
			"ingestd: stream filter tracks=%d followers=%d aois=%d",
			len(cfg.Stream.Tracks), len(cfg.Stream.Followers), len(cfg.Stream.AOIs)/4,
		)
	}

	go pipeline.Run(ctx, traceInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Start()
	}()
	log.Printf("ingestd: http api ready on %s (db=%s)", cfg.HTTP.Addr, db)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ingestd: http api: %v", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("ingestd: http shutdown: %v", err)
	}
	if buffered != nil {
		if err := buffered.Close(); err != nil {
			log.Printf("ingestd: flush buffered writes: %v", err)
		}
	}
	pipeline.Flush()
}
