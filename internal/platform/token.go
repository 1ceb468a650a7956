package platform

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

var ErrEmptyToken = errors.New("platform: empty token")

// TokenSource yields the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// NormalizeToken strips whitespace and an optional "Bearer" scheme.
func NormalizeToken(s string) string {
	s = strings.TrimSpace(s)
	if scheme, rest, ok := strings.Cut(s, " "); ok && strings.EqualFold(scheme, "bearer") {
		s = strings.TrimSpace(rest)
	}
	return s
}

// StaticToken is a fixed token.
type StaticToken string

func (s StaticToken) Token() (string, error) {
	tok := NormalizeToken(string(s))
	if tok == "" {
		return "", ErrEmptyToken
	}
	return tok, nil
}

// FileTokenLoader serves a token kept in a file. The file is only re-read
// when its size or modification time moves, so rotating the token on disk
// takes effect on the next request.
type FileTokenLoader struct {
	path string

	mu    sync.Mutex
	token string
	size  int64
	mtime time.Time
}

func NewFileTokenLoader(path string) *FileTokenLoader {
	return &FileTokenLoader{path: path}
}

// Load returns the current token and whether it differs from the one
// returned by the previous call.
func (l *FileTokenLoader) Load() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fi, err := os.Stat(l.path)
	if err != nil {
		return "", false, err
	}
	if l.token != "" && fi.Size() == l.size && fi.ModTime().Equal(l.mtime) {
		return l.token, false, nil
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		return "", false, err
	}
	prev := l.token
	l.token, l.size, l.mtime = NormalizeToken(string(raw)), fi.Size(), fi.ModTime()
	if l.token == "" {
		return "", false, ErrEmptyToken
	}
	return l.token, l.token != prev, nil
}

func (l *FileTokenLoader) Token() (string, error) {
	tok, _, err := l.Load()
	return tok, err
}
