// Package httpapi serves the search store over HTTP: paged queries, live
// streams over SSE and WebSocket, post ingestion and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/ingest"
	"github.com/you/mediamail/internal/store"
)

const maxIngestBody = 1 << 20

type Store interface {
	Count(ctx context.Context, q store.Query) (int64, error)
	List(ctx context.Context, q store.Query) ([]core.Message, error)
}

// Ingestor prepares and stores one raw post.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte) (core.Message, error)
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	EnablePprof     bool
	Build           BuildInfo
	ConfigSnapshot  map[string]any
	Ingest          Ingestor
}

type subscriber struct {
	ch        chan core.Message
	filter    store.Query
	transport string
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	store      Store
	opts       Options
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	started    time.Time

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func New(st Store, opts Options) *Server {
	srv := &Server{
		mux:     http.NewServeMux(),
		store:   st,
		opts:    opts,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		started: time.Now(),
		subs:    make(map[*subscriber]struct{}),
	}
	if opts.EnableMetrics {
		srv.metrics = newMetrics(srv.countForMetrics)
	}

	srv.mux.Handle("GET /healthz", srv.wrap("healthz", srv.handleHealthz))
	srv.mux.Handle("GET /info", srv.wrap("info", srv.handleInfo))
	srv.mux.Handle("GET /count", srv.wrap("count", srv.handleCount))
	srv.mux.Handle("GET /messages", srv.wrap("messages", srv.handleMessages))
	srv.mux.Handle("GET /stream", srv.wrap("stream", srv.handleStream))
	srv.mux.Handle("GET /ws", srv.wrap("ws", srv.handleWS))
	if opts.ConfigSnapshot != nil {
		srv.mux.Handle("GET /config", srv.wrap("config", srv.handleConfig))
	}
	if opts.Ingest != nil {
		srv.mux.Handle("POST /ingest", srv.wrap("ingest", srv.handleIngest))
	}
	srv.mux.Handle("OPTIONS /", srv.wrap("preflight", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	if srv.metrics != nil {
		srv.mux.Handle("GET /metrics", srv.metrics.Handler())
	}
	if opts.EnablePprof {
		srv.mux.HandleFunc("GET /debug/pprof/", pprof.Index)
		srv.mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
		srv.mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
		srv.mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
		srv.mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Mux exposes the router so other surfaces can register routes.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler is the root handler, used by tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) ReportDBWriteError() { s.metrics.StoreError() }

func (s *Server) countForMetrics() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := s.store.Count(ctx, store.Query{})
	if err != nil {
		return 0
	}
	return float64(n)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	q, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.store.Count(r.Context(), q)
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.List(r.Context(), q)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	out := make([]messageView, 0, len(rows))
	for _, m := range rows {
		out = append(out, viewOf(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	msg, err := s.opts.Ingest.Ingest(r.Context(), raw)
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case err == nil:
		s.metrics.Ingested("stored")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mmid": msg.MMID})
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		s.metrics.Ingested("invalid")
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
	case errors.Is(err, ingest.ErrNoText), errors.Is(err, ingest.ErrNotFollowed),
		errors.Is(err, ingest.ErrFiltered), errors.Is(err, ingest.ErrBelowScore):
		s.metrics.Ingested("rejected")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "reason": err.Error()})
	default:
		s.metrics.Ingested("failed")
		s.ReportDBWriteError()
		log.Printf("httpapi: ingest: %v", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
	}
}

func (s *Server) subscribe(filter store.Query, transport string) (*subscriber, bool) {
	sub := &subscriber{ch: make(chan core.Message, 256), filter: streamQuery(filter), transport: transport}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.subs[sub] = struct{}{}
	return sub, true
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filter, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	sub, ok := s.subscribe(filter, "sse")
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(sub)
	s.metrics.AddSubscribers("sse", 1)
	defer s.metrics.AddSubscribers("sse", -1)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case msg, ok := <-sub.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(viewOf(msg))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
			s.metrics.Delivered("sse")
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filter, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cors.patterns()})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	sub, ok := s.subscribe(filter, "ws")
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unsubscribe(sub)
	s.metrics.AddSubscribers("ws", 1)
	defer s.metrics.AddSubscribers("ws", -1)

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case msg, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, viewOf(msg))
			cancel()
			if err != nil {
				return
			}
			s.metrics.Delivered("ws")
		}
	}
}

// Broadcast fans msg out to every live subscriber whose filter matches.
// Slow subscribers lose the message rather than block ingestion.
func (s *Server) Broadcast(msg core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		if !sub.filter.Matches(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			s.metrics.Dropped(sub.transport)
		}
	}
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

type messageView struct {
	MMID           string    `json:"mmid"`
	Platform       string    `json:"platform"`
	SourceID       string    `json:"source_id,omitempty"`
	Text           string    `json:"text"`
	Author         string    `json:"author_screen_name,omitempty"`
	AuthorName     string    `json:"author_name,omitempty"`
	AuthorLocation string    `json:"author_location,omitempty"`
	Hashtags       []string  `json:"hashtags,omitempty"`
	References     []string  `json:"references,omitempty"`
	URL            string    `json:"url,omitempty"`
	Ts             time.Time `json:"ts"`
	Locality       float64   `json:"locality_confidence"`
}

func viewOf(m core.Message) messageView {
	return messageView{
		MMID:           m.MMID,
		Platform:       m.Platform,
		SourceID:       m.SourceID,
		Text:           m.Text,
		Author:         m.AuthorScreenName,
		AuthorName:     m.AuthorName,
		AuthorLocation: m.AuthorLocation,
		Hashtags:       m.Hashtags,
		References:     m.References,
		URL:            m.URL,
		Ts:             m.Ts,
		Locality:       m.LocalityConfidence,
	}
}
