package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/mediamail/internal/core"
	"github.com/you/mediamail/internal/ingest"
	"github.com/you/mediamail/internal/score"
	"github.com/you/mediamail/internal/store"
)

type testEnv struct {
	srv   *Server
	store *store.Store
	http  *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{store: st}
	if opts.Ingest == nil {
		opts.Ingest = &ingest.Pipeline{
			Preparer: ingest.Preparer{
				Filters:  ingest.Filters{Blacklist: []string{"giveaway"}},
				Scoring:  score.Config{Interested: map[string]int{"storm": 5}},
				MinScore: 0,
			},
			Writer: writerFunc(func(m core.Message) (core.Message, error) {
				stored, err := st.Write(m)
				if err == nil {
					env.srv.Broadcast(stored)
				}
				return stored, err
			}),
		}
	}
	env.srv = New(st, opts)
	env.http = httptest.NewServer(env.srv.Handler())
	t.Cleanup(env.http.Close)
	return env
}

type writerFunc func(core.Message) (core.Message, error)

func (f writerFunc) Write(m core.Message) (core.Message, error) { return f(m) }

func seed(t *testing.T, st *store.Store, msgs ...core.Message) {
	t.Helper()
	for _, m := range msgs {
		if _, err := st.Write(m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestHealthzAndInfo(t *testing.T) {
	env := newTestEnv(t, Options{Build: BuildInfo{Version: "1.2.3", Revision: "abc"}})

	resp, err := http.Get(env.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(env.http.URL + "/info")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	defer resp.Body.Close()
	var info infoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Version != "1.2.3" || info.Revision != "abc" || info.Go == "" || !info.Ingest || info.Subscribers["sse"] != 0 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestMessagesAndCountFilters(t *testing.T) {
	env := newTestEnv(t, Options{})
	now := time.Now().UTC()
	seed(t, env.store,
		core.Message{Platform: "twitter", SourceID: "1", Text: "Storm warning", AuthorScreenName: "amy", Ts: now.Add(-2 * time.Hour)},
		core.Message{Platform: "twitter", SourceID: "2", Text: "Road closed", AuthorScreenName: "bo", Ts: now.Add(-time.Hour)},
		core.Message{Platform: "facebook", SourceID: "3", Text: "storm cellar open", AuthorScreenName: "amy", Ts: now},
	)

	tests := []struct {
		query string
		count int64
	}{
		{query: "", count: 3},
		{query: "?q=storm", count: 2},
		{query: "?q=storm&platform=tw", count: 1},
		{query: "?author=AMY", count: 2},
		{query: "?platform=all", count: 3},
	}
	for _, tc := range tests {
		resp, err := http.Get(env.http.URL + "/count" + tc.query)
		if err != nil {
			t.Fatalf("count %q: %v", tc.query, err)
		}
		var body struct {
			Count int64 `json:"count"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil || body.Count != tc.count {
			t.Fatalf("count %q: expected %d, got %d (%v)", tc.query, tc.count, body.Count, err)
		}
	}

	resp, err := http.Get(env.http.URL + "/messages?order=asc&limit=2")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	defer resp.Body.Close()
	var list []messageView
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 || list[0].SourceID != "1" || list[1].SourceID != "2" {
		t.Fatalf("unexpected list %+v", list)
	}

	bad, err := http.Get(env.http.URL + "/messages?limit=-1")
	if err != nil {
		t.Fatalf("bad limit: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.StatusCode)
	}
}

func TestIngestOutcomes(t *testing.T) {
	env := newTestEnv(t, Options{EnableMetrics: true})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "stored", body: `{"id_str":"9","text":"storm over the lake","user":{"screen_name":"cy"}}`, status: http.StatusOK},
		{name: "filtered", body: `{"text":"storm giveaway"}`, status: http.StatusUnprocessableEntity},
		{name: "empty", body: `{"text":" "}`, status: http.StatusUnprocessableEntity},
		{name: "syntax", body: `{"text":`, status: http.StatusBadRequest},
		{name: "type", body: `{"text":42}`, status: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(env.http.URL+"/ingest", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				b, _ := io.ReadAll(resp.Body)
				t.Fatalf("expected %d, got %d: %s", tc.status, resp.StatusCode, b)
			}
		})
	}

	n, err := env.store.Count(context.Background(), store.Query{})
	if err != nil || n != 1 {
		t.Fatalf("expected one stored message, got %d (%v)", n, err)
	}

	resp, err := http.Get(env.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `mediamail_ingested_posts_total{result="rejected"} 2`) {
		t.Fatalf("expected rejected counter in metrics output:\n%s", body)
	}
	if !strings.Contains(string(body), "mediamail_stored_messages 1") {
		t.Fatalf("expected stored gauge in metrics output")
	}
}

func TestStreamDeliversMatchingMessages(t *testing.T) {
	env := newTestEnv(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/stream?q=flood", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != ":ok" {
		t.Fatalf("expected :ok preamble, got %q (%v)", line, err)
	}

	env.srv.Broadcast(core.Message{MMID: "00001", Text: "sunny skies"})
	env.srv.Broadcast(core.Message{MMID: "00002", Text: "Flood watch issued"})

	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var got messageView
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.MMID != "00002" {
		t.Fatalf("expected only the matching message, got %+v", got)
	}
}

func TestWebSocketReceivesIngestedMessage(t *testing.T) {
	env := newTestEnv(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?hashtag=storm"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the subscription before producing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		env.srv.mu.Lock()
		n := len(env.srv.subs)
		env.srv.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post(env.http.URL+"/ingest", "application/json", strings.NewReader(`{"id_str":"5","text":"big #storm tonight"}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp.Body.Close()

	var got messageView
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SourceID != "5" || got.MMID == "" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestCORSAndRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{CORSOrigins: []string{"https://ok.example"}, RateLimitRPS: 1, RateLimitBurst: 2})

	get := func(origin string) *http.Response {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		return rec.Result()
	}

	if resp := get("https://evil.example"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %d", resp.StatusCode)
	}
	resp := get("https://ok.example")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "https://ok.example" {
		t.Fatalf("expected allowed origin, got %d %v", resp.StatusCode, resp.Header)
	}
	_ = get("")
	if resp := get(""); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", resp.StatusCode)
	}
}

func TestShutdownClosesSubscribers(t *testing.T) {
	env := newTestEnv(t, Options{})
	sub, ok := env.srv.subscribe(store.Query{}, "sse")
	if !ok {
		t.Fatalf("subscribe failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, open := <-sub.ch; open {
		t.Fatalf("expected closed subscriber channel")
	}
	if _, ok := env.srv.subscribe(store.Query{}, "sse"); ok {
		t.Fatalf("subscribe after shutdown should fail")
	}
}
