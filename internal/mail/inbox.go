package mail

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const watchDebounce = 250 * time.Millisecond

// ErrDeferred tells Drain that a message was left untouched, for example
// because shutdown began first, and should stay in new/.
var ErrDeferred = errors.New("mail: message deferred")

// Inbox is a maildir-style directory. New mail lands in new/. After one
// processing pass a message moves to cur/ when it went through cleanly and
// to failed/ otherwise, so no message is ever processed twice.
type Inbox struct {
	Dir    string
	Logger *slog.Logger
}

func (in Inbox) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}

func (in Inbox) newDir() string { return filepath.Join(in.Dir, "new") }
func (in Inbox) curDir() string { return filepath.Join(in.Dir, "cur") }
func (in Inbox) failedDir() string { return filepath.Join(in.Dir, "failed") }

// Ensure creates the maildir layout.
func (in Inbox) Ensure() error {
	for _, sub := range []string{"new", "cur", "tmp", "failed"} {
		if err := os.MkdirAll(filepath.Join(in.Dir, sub), 0o755); err != nil {
			return errors.Wrap(err, "mail: create inbox")
		}
	}
	return nil
}

// Pending lists unhandled messages, oldest name first.
func (in Inbox) Pending() ([]string, error) {
	entries, err := os.ReadDir(in.newDir())
	if err != nil {
		return nil, errors.Wrap(err, "mail: list inbox")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(in.newDir(), e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Archive moves a handled message into cur/ with the seen flag.
func (in Inbox) Archive(path string) error {
	dst := filepath.Join(in.curDir(), filepath.Base(path)+":2,S")
	if err := os.Rename(path, dst); err != nil {
		return errors.Wrap(err, "mail: archive")
	}
	return nil
}

// Deliver stores raw as new/name using the maildir tmp/ then rename
// dance. It reports false without writing when a message of that name was
// already delivered, whatever its state.
func (in Inbox) Deliver(name string, raw []byte) (bool, error) {
	if err := in.Ensure(); err != nil {
		return false, err
	}
	for _, seen := range []string{
		filepath.Join(in.newDir(), name),
		filepath.Join(in.curDir(), name+":2,S"),
		filepath.Join(in.failedDir(), name),
	} {
		if _, err := os.Stat(seen); err == nil {
			return false, nil
		}
	}
	tmp := filepath.Join(in.Dir, "tmp", name)
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return false, errors.Wrap(err, "mail: write message")
	}
	if err := os.Rename(tmp, filepath.Join(in.newDir(), name)); err != nil {
		return false, errors.Wrap(err, "mail: deliver message")
	}
	return true, nil
}

// Quarantine moves a message whose processing failed into failed/ for
// manual inspection.
func (in Inbox) Quarantine(path string) error {
	if err := os.MkdirAll(in.failedDir(), 0o755); err != nil {
		return errors.Wrap(err, "mail: create failed dir")
	}
	if err := os.Rename(path, filepath.Join(in.failedDir(), filepath.Base(path))); err != nil {
		return errors.Wrap(err, "mail: quarantine")
	}
	return nil
}

// Settle files a processed message: cur/ when procErr is nil, failed/
// otherwise.
func (in Inbox) Settle(path string, procErr error) error {
	if procErr != nil {
		return in.Quarantine(path)
	}
	return in.Archive(path)
}

// Drain hands every pending message to fn once and settles it. It returns
// how many went through cleanly.
func (in Inbox) Drain(ctx context.Context, fn func(ctx context.Context, path string) error) (int, error) {
	paths, err := in.Pending()
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		procErr := fn(ctx, p)
		if errors.Is(procErr, ErrDeferred) {
			continue
		}
		if procErr != nil {
			in.logger().Error("mail: handle message", "path", p, "err", procErr)
		}
		if err := in.Settle(p, procErr); err != nil {
			in.logger().Error("mail: settle message", "path", p, "err", err)
			continue
		}
		if procErr == nil {
			handled++
		}
	}
	return handled, nil
}

// Watch drains the inbox once, then again whenever new/ changes, until ctx
// ends. Bursts of events are coalesced.
func (in Inbox) Watch(ctx context.Context, fn func(ctx context.Context, path string) error) error {
	if err := in.Ensure(); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "mail: watcher")
	}
	defer w.Close()
	if err := w.Add(in.newDir()); err != nil {
		return errors.Wrap(err, "mail: watch inbox")
	}

	if _, err := in.Drain(ctx, fn); err != nil && ctx.Err() == nil {
		in.logger().Error("mail: drain", "err", err)
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
		case <-debounce.C:
			if _, err := in.Drain(ctx, fn); err != nil && ctx.Err() == nil {
				in.logger().Error("mail: drain", "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.logger().Error("mail: watch error", "err", err)
		}
	}
}

// ReadBody returns the text/plain body of the message at path.
func ReadBody(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "mail: open message")
	}
	defer f.Close()
	return ParseBody(f)
}

// ParseBody extracts the first text/plain part of an RFC 5322 message.
func ParseBody(r io.Reader) (string, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return "", errors.Wrap(err, "mail: parse message")
	}
	body, err := textPart(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return "", err
	}
	return body, nil
}

func textPart(contentType, encoding string, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || contentType == "" {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return "", errors.New("mail: no text/plain part")
			}
			if err != nil {
				return "", errors.Wrap(err, "mail: read part")
			}
			// multipart.Part already decodes quoted-printable.
			text, err := textPart(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err == nil {
				return text, nil
			}
		}
	}
	if mediaType != "text/plain" {
		return "", errors.Errorf("mail: unsupported content type %s", mediaType)
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	case "base64":
		body = base64.NewDecoder(base64.StdEncoding, body)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", errors.Wrap(err, "mail: read body")
	}
	return string(data), nil
}
