package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Version     string         `json:"version"`
	Revision    string         `json:"rev"`
	BuiltAt     string         `json:"built_at,omitempty"`
	Go          string         `json:"go"`
	StartedAt   string         `json:"started_at"`
	Uptime      string         `json:"uptime"`
	Ingest      bool           `json:"ingest"`
	Subscribers map[string]int `json:"subscribers"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	b := s.opts.Build
	resp := infoResponse{
		Version:     b.Version,
		Revision:    b.Revision,
		Go:          runtime.Version(),
		StartedAt:   s.started.UTC().Format(time.RFC3339),
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
		Ingest:      s.opts.Ingest != nil,
		Subscribers: s.subscriberCounts(),
	}
	if !b.BuiltAt.IsZero() {
		resp.BuiltAt = b.BuiltAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// subscriberCounts reports live subscribers per transport.
func (s *Server) subscriberCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{"sse": 0, "ws": 0}
	for sub := range s.subs {
		out[sub.transport]++
	}
	return out
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.ConfigSnapshot)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
