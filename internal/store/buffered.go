package store

import (
	"errors"
	"sync"
	"time"

	"github.com/you/mediamail/internal/core"
)

// Writer persists one message and returns it with its ticket assigned.
type Writer interface {
	Write(core.Message) (core.Message, error)
}

// StoredFunc is told about each message after it has been written.
type StoredFunc func(core.Message)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("store: buffered writer closed")

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	OnStored      StoredFunc
}

// BufferedWriter batches ingest writes. A batch is written once BatchSize
// posts are queued, and a background loop drains whatever is queued every
// FlushInterval. Tickets are assigned when the batch is written, so Write
// hands back the post without an MMID and OnStored sees the stored copy.
type BufferedWriter struct {
	base     Writer
	size     int
	onStored StoredFunc

	mu      sync.Mutex
	queue   []core.Message
	closed  bool
	pending error

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewBufferedWriter(base Writer, opts BufferedOptions) *BufferedWriter {
	b := &BufferedWriter{
		base:     base,
		size:     max(opts.BatchSize, 1),
		onStored: opts.OnStored,
		stop:     make(chan struct{}),
	}
	if opts.FlushInterval > 0 {
		b.wg.Add(1)
		go b.loop(opts.FlushInterval)
	}
	return b
}

func (b *BufferedWriter) loop(every time.Duration) {
	defer b.wg.Done()
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-tick.C:
			if err := b.Flush(); err != nil {
				b.mu.Lock()
				b.pending = errors.Join(b.pending, err)
				b.mu.Unlock()
			}
		}
	}
}

// Write queues msg. Failures from background flushes surface on the next
// Write or on Close.
func (b *BufferedWriter) Write(msg core.Message) (core.Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return msg, ErrWriterClosed
	}
	earlier := b.pending
	b.pending = nil
	b.queue = append(b.queue, msg)
	var batch []core.Message
	if len(b.queue) >= b.size {
		batch = b.takeLocked()
	}
	b.mu.Unlock()

	return msg, errors.Join(earlier, b.writeBatch(batch))
}

// Flush writes everything queued so far.
func (b *BufferedWriter) Flush() error {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	return b.writeBatch(batch)
}

// Close stops the flush loop and writes what is left. It is safe to call
// more than once.
func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()

	b.mu.Lock()
	batch := b.takeLocked()
	earlier := b.pending
	b.pending = nil
	b.mu.Unlock()
	return errors.Join(earlier, b.writeBatch(batch))
}

func (b *BufferedWriter) takeLocked() []core.Message {
	if len(b.queue) == 0 {
		return nil
	}
	batch := b.queue
	b.queue = nil
	return batch
}

// writeBatch writes every message even after a failure and reports the
// first error only.
func (b *BufferedWriter) writeBatch(batch []core.Message) error {
	var first error
	for _, m := range batch {
		stored, err := b.base.Write(m)
		switch {
		case err != nil && first == nil:
			first = err
		case err == nil && b.onStored != nil:
			b.onStored(stored)
		}
	}
	return first
}

type broadcaster interface {
	Broadcast(core.Message)
}

// Broadcasting forwards every successful write to a live feed.
type Broadcasting struct {
	base Writer
	api  broadcaster
}

func WithAPI(base Writer, api broadcaster) *Broadcasting {
	return &Broadcasting{base: base, api: api}
}

func (w *Broadcasting) Write(msg core.Message) (core.Message, error) {
	stored, err := w.base.Write(msg)
	if err == nil && w.api != nil {
		w.api.Broadcast(stored)
	}
	return stored, err
}
