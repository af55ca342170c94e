// Package dispatch delivers notifications to Telegram chats. It keeps one
// FIFO queue per chat, throttles all sends through a shared token bucket,
// and retries transient delivery failures with exponential backoff.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// Sender is the interface for sending Telegram messages.
type Sender interface {
	Send(chatID int64, text string) error
}

// Notification is one outbound message bound to the watch that produced it.
type Notification struct {
	ChatID  int64
	WatchID int64
	Text    string
}

// Options tune a Dispatcher.
type Options struct {
	RatePerSec    int
	QueueSize     int
	MaxAttempts   uint64
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.RatePerSec <= 0 {
		o.RatePerSec = 20
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 10 * time.Second
	}
}

// Dispatcher fans notifications out to per-chat worker goroutines.
// Order within a chat is FIFO; chats never block each other beyond the
// shared rate limit. Safe for concurrent use.
type Dispatcher struct {
	sender  Sender
	log     *slog.Logger
	limiter *rate.Limiter
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[int64]*chatQueue
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

type chatQueue struct {
	mu    sync.Mutex
	items []Notification
	wake  chan struct{}
}

// New creates a Dispatcher delivering through sender.
func New(sender Sender, opts Options, log *slog.Logger) *Dispatcher {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:  sender,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[int64]*chatQueue),
	}
}

// Enqueue appends notifications to the chat's queue in the given order.
// When the queue is full the oldest entry is dropped and counted; nothing
// is ever discarded silently.
func (d *Dispatcher) Enqueue(notes ...Notification) {
	for _, n := range notes {
		q := d.queueFor(n.ChatID)
		if q == nil {
			return
		}
		q.mu.Lock()
		if len(q.items) >= d.opts.QueueSize {
			dropped := q.items[0]
			q.items = q.items[1:]
			d.dropped.Add(1)
			d.log.Warn("dispatch queue full, dropped oldest",
				"chat_id", dropped.ChatID, "watch_id", dropped.WatchID)
		}
		q.items = append(q.items, n)
		q.mu.Unlock()

		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// queueFor returns the chat's queue, starting its worker on first use.
// Returns nil after Close.
func (d *Dispatcher) queueFor(chatID int64) *chatQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	q, ok := d.queues[chatID]
	if !ok {
		q = &chatQueue{wake: make(chan struct{}, 1)}
		d.queues[chatID] = q
		d.wg.Add(1)
		go d.worker(chatID, q)
	}
	return q
}

func (d *Dispatcher) worker(chatID int64, q *chatQueue) {
	defer d.wg.Done()
	for {
		n, ok := q.pop()
		if !ok {
			select {
			case <-d.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		d.deliver(n)
	}
}

func (q *chatQueue) pop() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Notification{}, false
	}
	n := q.items[0]
	q.items = q.items[1:]
	return n, true
}

func (d *Dispatcher) deliver(n Notification) {
	if err := d.limiter.Wait(d.ctx); err != nil {
		return
	}

	backoff := retry.WithCappedDuration(d.opts.RetryMaxDelay,
		retry.NewExponential(d.opts.RetryBase))
	backoff = retry.WithMaxRetries(d.opts.MaxAttempts-1, backoff)

	err := retry.Do(d.ctx, backoff, func(ctx context.Context) error {
		if err := d.sender.Send(n.ChatID, n.Text); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		// The item stays marked seen regardless, so a transient outage
		// never turns into duplicate notifications later.
		d.failed.Add(1)
		d.log.Error("notification delivery failed",
			"chat_id", n.ChatID, "watch_id", n.WatchID, "error", err)
		return
	}
	d.sent.Add(1)
}

// CancelWatch removes queued notifications originating from a watch.
func (d *Dispatcher) CancelWatch(watchID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		q.mu.Lock()
		kept := q.items[:0]
		for _, n := range q.items {
			if n.WatchID != watchID {
				kept = append(kept, n)
			}
		}
		q.items = kept
		q.mu.Unlock()
	}
}

// CancelChat removes all queued notifications for a chat.
func (d *Dispatcher) CancelChat(chatID int64) {
	d.mu.Lock()
	q, ok := d.queues[chatID]
	d.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Sent returns the number of successfully delivered notifications.
func (d *Dispatcher) Sent() int64 { return d.sent.Load() }

// Dropped returns the number of notifications dropped due to full queues.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed returns the number of notifications whose delivery retries were
// exhausted.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// Close stops accepting work and waits for the workers to exit. Queued
// notifications not yet handed to the sender are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
