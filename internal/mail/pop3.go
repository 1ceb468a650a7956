package mail

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/go-pop3"
	"github.com/pkg/errors"
)

type POP3Options struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// pop3Session is the part of a POP3 connection the fetcher needs.
type pop3Session interface {
	Auth(user, password string) error
	Stat() (int, int, error)
	RetrRaw(id int) (*bytes.Buffer, error)
	Dele(ids ...int) error
	Quit() error
}

// POP3Fetcher downloads a POP3 mailbox into an Inbox. Each message is named
// after a hash of its bytes, so a message the server hands out again
// (deletions are only committed on QUIT) is not delivered twice.
type POP3Fetcher struct {
	inbox Inbox
	opts  POP3Options
	dial  func() (pop3Session, error)
	log   *slog.Logger
}

func NewPOP3Fetcher(inbox Inbox, opts POP3Options) *POP3Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := pop3.New(pop3.Opt{
		Host:        opts.Host,
		Port:        opts.Port,
		TLSEnabled:  opts.TLS,
		DialTimeout: opts.Timeout,
	})
	return &POP3Fetcher{
		inbox: inbox,
		opts:  opts,
		log:   logger,
		dial: func() (pop3Session, error) {
			conn, err := client.NewConn()
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
}

// Fetch delivers every message on the server and deletes the delivered
// ones. It returns how many were new to the inbox.
func (f *POP3Fetcher) Fetch(ctx context.Context) (n int, err error) {
	conn, err := f.dial()
	if err != nil {
		return 0, errors.Wrap(err, "mail: pop3 connect")
	}
	defer func() {
		if qerr := conn.Quit(); qerr != nil && err == nil {
			err = errors.Wrap(qerr, "mail: pop3 quit")
		}
	}()

	if err := conn.Auth(f.opts.Username, f.opts.Password); err != nil {
		return 0, errors.Wrap(err, "mail: pop3 login")
	}
	count, _, err := conn.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "mail: pop3 stat")
	}

	for id := 1; id <= count; id++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		raw, err := conn.RetrRaw(id)
		if err != nil {
			return n, errors.Wrapf(err, "mail: pop3 retr %d", id)
		}
		name := uuid.NewSHA1(uuid.NameSpaceOID, raw.Bytes()).String() + ".eml"
		fresh, err := f.inbox.Deliver(name, raw.Bytes())
		if err != nil {
			return n, err
		}
		if fresh {
			n++
		}
		if err := conn.Dele(id); err != nil {
			return n, errors.Wrapf(err, "mail: pop3 dele %d", id)
		}
	}
	return n, nil
}

// Poll fetches now and then every interval until ctx ends.
func (f *POP3Fetcher) Poll(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		n, err := f.Fetch(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			f.log.Error("mail: pop3 fetch", "host", f.opts.Host, "err", err)
		case n > 0:
			f.log.Info("mail: pop3 fetched", "host", f.opts.Host, "messages", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
