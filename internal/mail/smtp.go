package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	initialRetryDelay = 10 * time.Second
	maxRetryDelay     = 2600 * time.Second
)

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Subject  string
	Logger   *slog.Logger
}

// SMTPSender delivers plain text mail. The sender address also receives a
// copy of every message.
type SMTPSender struct {
	opts  SMTPOptions
	send  SendFunc
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
	log   *slog.Logger
}

func NewSMTPSender(opts SMTPOptions) *SMTPSender {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{
		opts:  opts,
		send:  smtp.SendMail,
		sleep: sleepContext,
		now:   time.Now,
		log:   logger,
	}
}

func (s *SMTPSender) addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

func (s *SMTPSender) auth() smtp.Auth {
	if s.opts.Username == "" || s.opts.Password == "" {
		return nil
	}
	return smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)
}

func (s *SMTPSender) recipients() []string {
	out := make([]string, 0, len(s.opts.To)+1)
	seen := map[string]struct{}{}
	for _, addr := range append(append([]string(nil), s.opts.To...), s.opts.From) {
		key := strings.ToLower(strings.TrimSpace(addr))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(addr))
	}
	return out
}

// Send makes a single delivery attempt.
func (s *SMTPSender) Send(ctx context.Context, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := s.recipients()
	if len(to) == 0 {
		return errors.New("mail: no recipients")
	}
	msg := buildMessage(s.opts.From, s.opts.To, s.opts.Subject, body, s.now())
	if err := s.send(s.addr(), s.auth(), s.opts.From, to, msg); err != nil {
		return errors.Wrapf(err, "mail: send via %s", s.addr())
	}
	return nil
}

// SendWithRetry keeps trying with a delay that starts at ten seconds and
// doubles after each failure. It gives up once the next delay would exceed
// 2600 seconds, or when ctx ends.
func (s *SMTPSender) SendWithRetry(ctx context.Context, body string) error {
	delay := initialRetryDelay
	for attempt := 1; ; attempt++ {
		err := s.Send(ctx, body)
		if err == nil {
			s.log.Info("mail: sent", "attempt", attempt, "recipients", len(s.recipients()))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delay > maxRetryDelay {
			s.log.Error("mail: giving up", "attempts", attempt, "err", err)
			return errors.Wrapf(err, "mail: giving up after %d attempts", attempt)
		}
		s.log.Warn("mail: send failed, retrying", "attempt", attempt, "retry_in", delay.String(), "err", err)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func buildMessage(from string, to []string, subject, body string, now time.Time) []byte {
	domain := "localhost"
	if at := strings.LastIndexByte(from, '@'); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "> ")
	}

	var b strings.Builder
	header := func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	header("From", from)
	header("To", strings.Join(to, ", "))
	header("Subject", subject)
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", "<"+uuid.NewString()+"@"+domain+">")
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="UTF-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	body = strings.ReplaceAll(body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
