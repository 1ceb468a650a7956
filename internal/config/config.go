package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/you/mediamail/internal/score"
	"github.com/you/mediamail/internal/store"
)

// ErrNoQueries is reported by Validate when no digest query is configured.
var ErrNoQueries = errors.New("config: no queries configured")

type Config struct {
	File       string         `yaml:"-"`
	SQLitePath string         `yaml:"sqlite_path"`
	Queries    []Query        `yaml:"queries"`
	QueryOrder []string       `yaml:"query_order"`
	HitLimit   int            `yaml:"hit_limit"`
	Workers    int            `yaml:"workers"`
	LogLevel   string         `yaml:"log_level"`
	Scoring    ScoringConfig  `yaml:"scoring"`
	Filters    FilterConfig   `yaml:"filters"`
	Stream     StreamConfig   `yaml:"stream"`
	Sink       SinkConfig     `yaml:"sink"`
	Email      EmailConfig    `yaml:"email"`
	Inbox      InboxConfig    `yaml:"inbox"`
	Platform   PlatformConfig `yaml:"platform"`
	HTTP       HTTPConfig     `yaml:"http"`
}

// Query is one digest section's search definition.
type Query struct {
	Title       string   `yaml:"title"`
	Query       string   `yaml:"query"` // whitespace separated terms, any-of
	Terms       []string `yaml:"terms"`
	Authors     []string `yaml:"authors"`
	Hashtags    []string `yaml:"hashtags"`
	Since       string   `yaml:"since"` // duration such as "24h"
	MinLocality float64  `yaml:"min_locality"`
	HitLimit    int      `yaml:"hit_limit"`
}

type ScoringConfig struct {
	DisinterestedWords map[string]int `yaml:"disinterested_words"`
	InterestedWords    map[string]int `yaml:"interested_words"`
	HashtagPenalty     int            `yaml:"hashtag_penalty"`
	ShoutoutPenalty    int            `yaml:"shoutout_penalty"`
	PointsPerWord      int            `yaml:"points_per_word"`
	LocalityMultiplier int            `yaml:"locality_multiplier"`
	ShoutoutToMeBonus  int            `yaml:"shoutout_to_me_bonus"`
	Handles            []string       `yaml:"handles"`
	LocalTowns         []string       `yaml:"local_towns"`
	State              string         `yaml:"state"`
	StateAbbrev        string         `yaml:"state_abbrev"`
	MinScore           int            `yaml:"min_score"` // ingest admission threshold, 0 disables
}

type FilterConfig struct {
	BlacklistWords []string `yaml:"blacklist_words"`
	WhitelistWords []string `yaml:"whitelist_words"`
	CommonWords    []string `yaml:"common_words"`
}

// StreamConfig describes what the ingestion source follows.
type StreamConfig struct {
	Platform  string    `yaml:"platform"`
	Tracks    []string  `yaml:"tracks"`
	Followers []string  `yaml:"followers"`
	AOIs      []float64 `yaml:"aois"` // bounding boxes, four numbers each
}

type SinkConfig struct {
	BatchSize  int `yaml:"batch_size"`
	FlushMaxMS int `yaml:"flush_ms"`
}

type EmailConfig struct {
	Title         string   `yaml:"title"`
	Footer        string   `yaml:"footer"`
	Subject       string   `yaml:"subject"`
	SMTPHost      string   `yaml:"smtp_host"`
	SMTPPort      int      `yaml:"smtp_port"`
	SMTPUsername  string   `yaml:"smtp_username"`
	SMTPPassword  string   `yaml:"smtp_password"`
	SenderAddress string   `yaml:"sender_address"`
	UserAddress   []string `yaml:"user_address"`
	ASCIIOnly     *bool    `yaml:"ascii_only"`
	Debug         bool     `yaml:"debug"`
	SendEmpty     bool     `yaml:"send_empty"`
	Schedule      string   `yaml:"schedule"`
	Timezone      string   `yaml:"timezone"`

	// POP3 mailbox the reply bot downloads from. Empty server disables it.
	Server      string `yaml:"server"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	POP3Port    int    `yaml:"pop3_port"`
	POP3TLS     *bool  `yaml:"pop3_tls"`
	PollSeconds int    `yaml:"poll_seconds"`
}

type InboxConfig struct {
	Dir     string `yaml:"dir"`
	Workers int    `yaml:"workers"`
	DryRun  bool   `yaml:"dry_run"`
}

type PlatformConfig struct {
	BaseURL      string  `yaml:"base_url"`
	Token        string  `yaml:"token"`
	TokenFile    string  `yaml:"token_file"`
	ReplyLimit   int     `yaml:"reply_limit"`
	CountMention bool    `yaml:"count_mention"`
	RateRPS      float64 `yaml:"rate_rps"`
	RateBurst    int     `yaml:"rate_burst"`
	TicketRegexp string  `yaml:"ticket_regexp"`
}

type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	RateRPS     int      `yaml:"rate_rps"`
	RateBurst   int      `yaml:"rate_burst"`
	Metrics     *bool    `yaml:"metrics"`
	AccessLog   *bool    `yaml:"access_log"`
}

const (
	defaultSQLitePath = "mediamail.db"
	defaultHitLimit   = 10
	defaultReplyLimit = 280
	defaultSMTPPort   = 25
	defaultSubject    = "Your Latest Social Media Search Results"
	defaultTitle      = "MediaMail Email"
	defaultBatchSize  = 1
	defaultInboxDir   = "inbox"

	defaultPollInterval = time.Minute
)

// Load reads the optional config file at path (falling back to
// MEDIAMAIL_CONFIG), layered over a global.json or global.yaml in the same
// directory, then applies environment overrides and defaults. A .env file
// in the working directory is loaded first without replacing set variables.
func Load(path string) (Config, error) {
	loadDotEnv(".env")

	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("MEDIAMAIL_CONFIG"))
	}

	cfg := Config{}
	if path != "" {
		merged, err := readLayered(path)
		if err != nil {
			return Config{}, err
		}
		data, err := yaml.Marshal(merged)
		if err != nil {
			return Config{}, fmt.Errorf("config: re-encode %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
		cfg.File = path
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

func readLayered(path string) (map[string]any, error) {
	dir := filepath.Dir(path)
	base := map[string]any{}
	for _, name := range []string{"global.json", "global.jsonc", "global.yaml", "global.yml"} {
		global := filepath.Join(dir, name)
		if sameFile(global, path) {
			continue
		}
		m, err := readMap(global)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		base = m
		break
	}

	own, err := readMap(path)
	if err != nil {
		return nil, err
	}
	return mergeMaps(base, own), nil
}

func sameFile(a, b string) bool {
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	return errA == nil && errB == nil && ca == cb
}

// readMap decodes JSON or YAML; JSON is valid YAML. Files named .json or
// .jsonc may carry comments and trailing commas.
func readMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return out, nil
}

// mergeMaps overlays top onto base. Nested maps merge key by key; any other
// value in top replaces the one in base.
func mergeMaps(base, top map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		if tm, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(bm, tm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func applyEnv(cfg *Config) {
	setString(&cfg.SQLitePath, "MEDIAMAIL_SQLITE_PATH")
	setString(&cfg.LogLevel, "MEDIAMAIL_LOG_LEVEL")
	setString(&cfg.Email.SMTPHost, "MEDIAMAIL_SMTP_HOST")
	cfg.Email.SMTPPort = readInt("MEDIAMAIL_SMTP_PORT", cfg.Email.SMTPPort)
	setString(&cfg.Email.SMTPUsername, "MEDIAMAIL_SMTP_USERNAME")
	setString(&cfg.Email.SMTPPassword, "MEDIAMAIL_SMTP_PASSWORD")
	setString(&cfg.Email.SenderAddress, "MEDIAMAIL_SENDER_ADDRESS")
	if to := splitList(os.Getenv("MEDIAMAIL_USER_ADDRESS")); len(to) > 0 {
		cfg.Email.UserAddress = to
	}
	setString(&cfg.Email.Schedule, "MEDIAMAIL_SCHEDULE")
	setString(&cfg.Email.Server, "MEDIAMAIL_POP3_SERVER")
	setString(&cfg.Email.Username, "MEDIAMAIL_POP3_USERNAME")
	setString(&cfg.Email.Password, "MEDIAMAIL_POP3_PASSWORD")
	cfg.Email.POP3Port = readInt("MEDIAMAIL_POP3_PORT", cfg.Email.POP3Port)
	setString(&cfg.Platform.BaseURL, "MEDIAMAIL_PLATFORM_URL")
	setString(&cfg.Platform.Token, "MEDIAMAIL_PLATFORM_TOKEN")
	setString(&cfg.Platform.TokenFile, "MEDIAMAIL_PLATFORM_TOKEN_FILE")
	setString(&cfg.Inbox.Dir, "MEDIAMAIL_INBOX_DIR")
	setString(&cfg.HTTP.Addr, "MEDIAMAIL_HTTP_ADDR")
	cfg.Workers = readInt("MEDIAMAIL_WORKERS", cfg.Workers)
	cfg.Sink.BatchSize = readInt("MEDIAMAIL_SINK_BATCH_SIZE", cfg.Sink.BatchSize)
	cfg.Sink.FlushMaxMS = readInt("MEDIAMAIL_SINK_FLUSH_MAX_MS", cfg.Sink.FlushMaxMS)
	cfg.Email.Debug = readBool("MEDIAMAIL_EMAIL_DEBUG", cfg.Email.Debug)
	cfg.Inbox.DryRun = readBool("MEDIAMAIL_DRY_RUN", cfg.Inbox.DryRun)
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.SQLitePath) == "" {
		cfg.SQLitePath = defaultSQLitePath
	}
	if cfg.HitLimit <= 0 {
		cfg.HitLimit = defaultHitLimit
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Email.SMTPPort <= 0 {
		cfg.Email.SMTPPort = defaultSMTPPort
	}
	if strings.TrimSpace(cfg.Email.Subject) == "" {
		cfg.Email.Subject = defaultSubject
	}
	if strings.TrimSpace(cfg.Email.Title) == "" {
		cfg.Email.Title = defaultTitle
	}
	if cfg.Email.ASCIIOnly == nil {
		on := true
		cfg.Email.ASCIIOnly = &on
	}
	if cfg.Platform.ReplyLimit == 0 {
		cfg.Platform.ReplyLimit = defaultReplyLimit
	}
	if strings.TrimSpace(cfg.Inbox.Dir) == "" {
		cfg.Inbox.Dir = defaultInboxDir
	}
	if cfg.Inbox.Workers <= 0 {
		cfg.Inbox.Workers = 4
	}
	cfg.Email.UserAddress = dedupe(cfg.Email.UserAddress)
	cfg.Filters.CommonWords = lowerAll(cfg.Filters.CommonWords)
}

// Validate reports configuration mismatches that must stop startup.
func (c Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Queries))
	for i, q := range c.Queries {
		title := strings.TrimSpace(q.Title)
		if title == "" {
			errs = append(errs, fmt.Errorf("queries[%d]: title is required", i))
			continue
		}
		if _, dup := seen[title]; dup {
			errs = append(errs, fmt.Errorf("queries[%d]: duplicate title %q", i, title))
		}
		seen[title] = struct{}{}
		if q.Since != "" {
			if _, err := time.ParseDuration(q.Since); err != nil {
				errs = append(errs, fmt.Errorf("queries[%d]: since %q: %w", i, q.Since, err))
			}
		}
		if q.HitLimit < 0 {
			errs = append(errs, fmt.Errorf("queries[%d]: hit_limit must not be negative", i))
		}
	}
	for _, title := range c.QueryOrder {
		if _, ok := seen[title]; !ok {
			errs = append(errs, fmt.Errorf("query_order references unknown query %q", title))
		}
	}
	if n := len(c.Stream.AOIs); n%4 != 0 {
		errs = append(errs, fmt.Errorf("stream.aois has %d values; must be a multiple of four", n))
	}
	if c.Platform.ReplyLimit < 0 {
		errs = append(errs, errors.New("platform.reply_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateDigest additionally requires at least one query.
func (c Config) ValidateDigest() error {
	if len(c.Queries) == 0 {
		return errors.Join(ErrNoQueries, c.Validate())
	}
	return c.Validate()
}

// Titles returns the configured query titles in file order.
func (c Config) Titles() []string {
	out := make([]string, 0, len(c.Queries))
	for _, q := range c.Queries {
		out = append(out, strings.TrimSpace(q.Title))
	}
	return out
}

// Limits maps titles to their hit_limit, using the global default.
func (c Config) Limits() map[string]int {
	out := make(map[string]int, len(c.Queries))
	for _, q := range c.Queries {
		limit := q.HitLimit
		if limit <= 0 {
			limit = c.HitLimit
		}
		out[strings.TrimSpace(q.Title)] = limit
	}
	return out
}

// StoreQuery converts q into a store search relative to now.
func (q Query) StoreQuery(now time.Time) store.Query {
	sq := store.Query{
		Terms:       append(strings.Fields(q.Query), q.Terms...),
		Authors:     append([]string(nil), q.Authors...),
		Hashtags:    append([]string(nil), q.Hashtags...),
		MinLocality: q.MinLocality,
	}
	if d, err := time.ParseDuration(q.Since); err == nil && d > 0 {
		since := now.Add(-d).UTC()
		sq.Since = &since
	}
	return sq
}

// ScoreConfig returns the normalized scoring profile.
func (c Config) ScoreConfig() score.Config {
	s := c.Scoring
	return score.Config{
		Disinterested:      s.DisinterestedWords,
		Interested:         s.InterestedWords,
		HashtagPenalty:     s.HashtagPenalty,
		ShoutoutPenalty:    s.ShoutoutPenalty,
		PointsPerWord:      s.PointsPerWord,
		LocalityMultiplier: s.LocalityMultiplier,
		ShoutoutToMeBonus:  s.ShoutoutToMeBonus,
		Handles:            append([]string(nil), s.Handles...),
		LocalTowns:         append([]string(nil), s.LocalTowns...),
		State:              s.State,
		StateAbbrev:        s.StateAbbrev,
	}.Normalized()
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

// POP3TLS defaults to true.
func (c Config) POP3TLS() bool {
	return c.Email.POP3TLS == nil || *c.Email.POP3TLS
}

// POP3Port defaults to 995 with TLS and 110 without.
func (c Config) POP3Port() int {
	switch {
	case c.Email.POP3Port > 0:
		return c.Email.POP3Port
	case c.POP3TLS():
		return 995
	default:
		return 110
	}
}

func (c Config) PollInterval() time.Duration {
	if c.Email.PollSeconds <= 0 {
		return defaultPollInterval
	}
	return time.Duration(c.Email.PollSeconds) * time.Second
}

func (c Config) ASCIIOnly() bool {
	return c.Email.ASCIIOnly == nil || *c.Email.ASCIIOnly
}

func (c Config) HTTPMetrics() bool   { return c.HTTP.Metrics == nil || *c.HTTP.Metrics }
func (c Config) HTTPAccessLog() bool { return c.HTTP.AccessLog == nil || *c.HTTP.AccessLog }

func setString(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	return dedupe(parts)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// Summary is the loggable shape of the configuration.
type Summary struct {
	File       string          `json:"file,omitempty"`
	SQLitePath string          `json:"sqlite_path"`
	Queries    int             `json:"queries"`
	HitLimit   int             `json:"hit_limit"`
	Workers    int             `json:"workers"`
	Email      EmailSummary    `json:"email"`
	Platform   PlatformSummary `json:"platform"`
	Inbox      string          `json:"inbox"`
	HTTPAddr   string          `json:"http_addr,omitempty"`
}

type EmailSummary struct {
	SMTPHost   string `json:"smtp_host,omitempty"`
	SMTPPort   int    `json:"smtp_port"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Recipients int    `json:"recipients"`
	Schedule   string `json:"schedule,omitempty"`
	POP3Server string `json:"pop3_server,omitempty"`
	POP3User   string `json:"pop3_username,omitempty"`
	POP3Pass   string `json:"pop3_password,omitempty"`
}

type PlatformSummary struct {
	BaseURL    string `json:"base_url,omitempty"`
	Token      string `json:"token,omitempty"`
	TokenFile  string `json:"token_file,omitempty"`
	ReplyLimit int    `json:"reply_limit"`
}

func (c Config) Summary() Summary {
	return Summary{
		File:       c.File,
		SQLitePath: c.SQLitePath,
		Queries:    len(c.Queries),
		HitLimit:   c.HitLimit,
		Workers:    c.Workers,
		Email: EmailSummary{
			SMTPHost:   c.Email.SMTPHost,
			SMTPPort:   c.Email.SMTPPort,
			Username:   c.Email.SMTPUsername,
			Password:   redactString(c.Email.SMTPPassword),
			Recipients: len(c.Email.UserAddress),
			Schedule:   c.Email.Schedule,
			POP3Server: c.Email.Server,
			POP3User:   c.Email.Username,
			POP3Pass:   redactString(c.Email.Password),
		},
		Platform: PlatformSummary{
			BaseURL:    c.Platform.BaseURL,
			Token:      redactString(c.Platform.Token),
			TokenFile:  c.Platform.TokenFile,
			ReplyLimit: c.Platform.ReplyLimit,
		},
		Inbox:    c.Inbox.Dir,
		HTTPAddr: c.HTTP.Addr,
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

// Redacted returns the full configuration with secrets masked, for the
// /config endpoint.
func (c Config) Redacted() map[string]any {
	queries := make([]map[string]any, 0, len(c.Queries))
	for _, q := range c.Queries {
		queries = append(queries, map[string]any{
			"title":     q.Title,
			"query":     q.Query,
			"hit_limit": q.HitLimit,
		})
	}
	return map[string]any{
		"file":        c.File,
		"sqlite_path": c.SQLitePath,
		"queries":     queries,
		"query_order": append([]string(nil), c.QueryOrder...),
		"hit_limit":   c.HitLimit,
		"email": map[string]any{
			"smtp_host":      c.Email.SMTPHost,
			"smtp_port":      c.Email.SMTPPort,
			"smtp_username":  c.Email.SMTPUsername,
			"smtp_password":  redactString(c.Email.SMTPPassword),
			"sender_address": c.Email.SenderAddress,
			"user_address":   append([]string(nil), c.Email.UserAddress...),
			"schedule":       c.Email.Schedule,
			"server":         c.Email.Server,
			"username":       c.Email.Username,
			"password":       redactString(c.Email.Password),
		},
		"platform": map[string]any{
			"base_url":    c.Platform.BaseURL,
			"token":       redactString(c.Platform.Token),
			"token_file":  c.Platform.TokenFile,
			"reply_limit": c.Platform.ReplyLimit,
		},
		"stream": map[string]any{
			"platform":  c.Stream.Platform,
			"tracks":    len(c.Stream.Tracks),
			"followers": len(c.Stream.Followers),
			"aois":      len(c.Stream.AOIs) / 4,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
