// Package scheduler drives the periodic polling of all active watches.
// Each (chat, watch) pair is fetched, diffed against its seen-item ledger,
// and any new listings are handed to the dispatcher. Failures stay scoped
// to the watch they occurred on.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/HamletDuFromage/vintelegram/internal/diff"
	"github.com/HamletDuFromage/vintelegram/internal/dispatch"
	"github.com/HamletDuFromage/vintelegram/internal/model"
	"github.com/HamletDuFromage/vintelegram/internal/provider"
	"github.com/HamletDuFromage/vintelegram/internal/storage"
)

// ErrCheckBusy is returned by CheckNow when a poll for the same watch is
// already running.
var ErrCheckBusy = errors.New("check already in progress")

// How many cycles a watch sits out after the provider rate-limits us.
const rateLimitPenaltyCycles = 3

// Notifier receives the new-item notifications produced by a poll.
type Notifier interface {
	Enqueue(notes ...dispatch.Notification)
}

// FormatFunc renders one new item as a notification message.
type FormatFunc func(watch model.Watch, item model.Item) string

// Options tune a Scheduler.
type Options struct {
	// Interval is the target time between two polls of the same watch.
	Interval time.Duration
	// Tick is the cycle granularity at which due watches are enumerated.
	Tick time.Duration
	// MaxItems caps new items reported per check when a chat sets no cap.
	MaxItems int
	// MaxConcurrentFetches bounds provider calls in flight at once.
	MaxConcurrentFetches int64
	// SeenMaxPerWatch bounds each watch's ledger; oldest entries are
	// evicted beyond it.
	SeenMaxPerWatch int
	// RetentionDays ages out ledger entries during the daily cleanup.
	RetentionDays int
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.Tick <= 0 {
		o.Tick = time.Minute
	}
	if o.MaxItems <= 0 {
		o.MaxItems = 10
	}
	if o.MaxConcurrentFetches <= 0 {
		o.MaxConcurrentFetches = 4
	}
	if o.SeenMaxPerWatch <= 0 {
		o.SeenMaxPerWatch = 500
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 30
	}
}

// Scheduler periodically polls watches and forwards new items.
type Scheduler struct {
	store     storage.Storage
	providers *provider.Registry
	notifier  Notifier
	format    FormatFunc
	log       *slog.Logger
	opts      Options

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[int64]struct{}
	penalty  map[int64]int
}

// New creates a Scheduler.
func New(store storage.Storage, providers *provider.Registry, notifier Notifier, format FormatFunc, opts Options, log *slog.Logger) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		store:     store,
		providers: providers,
		notifier:  notifier,
		format:    format,
		log:       log,
		opts:      opts,
		sem:       semaphore.NewWeighted(opts.MaxConcurrentFetches),
		inFlight:  make(map[int64]struct{}),
		penalty:   make(map[int64]int),
	}
}

// Run starts the scheduler loop, blocking until ctx is cancelled. It drains
// in-flight polls before returning; writes already handed to the store are
// not cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	cleanup := cron.New()
	_, err := cleanup.AddFunc("0 3 * * *", func() { s.cleanupSeen(ctx) })
	if err != nil {
		s.log.Error("register cleanup job", "error", err)
	} else {
		cleanup.Start()
		defer cleanup.Stop()
	}

	s.checkAll(ctx)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

// checkAll enumerates due watches and launches one staggered, concurrency-
// bounded poll task per watch. It does not wait for the tasks to finish; a
// watch still in flight on the next cycle is simply skipped.
func (s *Scheduler) checkAll(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.opts.Interval)
	due, err := s.store.ListDueWatches(ctx, cutoff)
	if err != nil {
		s.log.Error("list due watches", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	// Spread task starts across the tick window instead of bursting them
	// all at once, keeping the request rate to providers smooth.
	spread := s.opts.Tick / time.Duration(len(due)+1)

	for i, watch := range due {
		if s.penalized(watch.ID) {
			continue
		}
		delay := time.Duration(i) * spread

		s.wg.Add(1)
		go func(watch model.Watch) {
			defer s.wg.Done()

			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)

			if !s.acquire(watch.ID) {
				return
			}
			defer s.release(watch.ID)

			if _, err := s.poll(ctx, watch); err != nil {
				s.log.Error("check watch", "watch_id", watch.ID, "url", watch.URL, "error", err)
			}
		}(watch)
	}
}

// CheckNow polls a single watch immediately, outside the periodic schedule
// but through the same diff and ledger path. It returns the number of new
// items dispatched, or ErrCheckBusy if a poll for this watch is running.
func (s *Scheduler) CheckNow(ctx context.Context, watchID int64) (int, error) {
	watch, err := s.store.GetWatch(ctx, watchID)
	if err != nil {
		return 0, fmt.Errorf("load watch: %w", err)
	}

	if !s.acquire(watch.ID) {
		return 0, ErrCheckBusy
	}
	defer s.release(watch.ID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer s.sem.Release(1)

	return s.poll(ctx, *watch)
}

// poll fetches one watch's snapshot, diffs it, dispatches new items, and
// persists the updated ledger. On fetch failure the ledger is left
// untouched, so the next poll re-diffs against the last known-good state.
func (s *Scheduler) poll(ctx context.Context, watch model.Watch) (int, error) {
	chat, err := s.store.GetChat(ctx, watch.ChatID)
	if err != nil {
		return 0, fmt.Errorf("load chat: %w", err)
	}

	prov, ok := s.providers.ByName(watch.Provider)
	if !ok {
		return 0, fmt.Errorf("unknown provider %q", watch.Provider)
	}

	limit := chat.MaxItemsPerCheck
	if limit <= 0 {
		limit = s.opts.MaxItems
	}

	s.log.Debug("checking watch", "watch_id", watch.ID, "provider", watch.Provider, "url", watch.URL)

	snapshot, err := prov.Search(ctx, watch.URL, limit)
	if err != nil {
		if errors.Is(err, provider.ErrRateLimited) {
			s.penalize(watch.ID)
		}
		s.touchWatch(ctx, watch.ID)
		return 0, fmt.Errorf("search: %w", err)
	}
	s.clearPenalty(watch.ID)

	// The watch may have been removed or paused while the fetch was in
	// flight; in that case the result is discarded, not dispatched.
	current, err := s.store.GetWatch(ctx, watch.ID)
	if err != nil || !current.IsActive {
		s.log.Debug("watch gone mid-flight, discarding result", "watch_id", watch.ID)
		return 0, nil
	}

	seen, err := s.store.SeenIDs(ctx, watch.ID)
	if err != nil {
		return 0, fmt.Errorf("load seen items: %w", err)
	}

	res := diff.Diff(snapshot, seen, limit, current.Seeded)

	sentCount := 0
	if !res.Seeded && chat.Notify && !chat.Paused {
		notes := make([]dispatch.Notification, 0, len(res.New))
		for _, item := range res.New {
			// Price filtering happens before anything counts against
			// the delivery budget. Items without a price (RSS) pass.
			if item.Price > 0 && !chat.AllowsPrice(item.Price) {
				continue
			}
			notes = append(notes, dispatch.Notification{
				ChatID:  watch.ChatID,
				WatchID: watch.ID,
				Text:    s.format(watch, item),
			})
		}
		if len(notes) > 0 {
			s.notifier.Enqueue(notes...)
		}
		sentCount = len(notes)
	}

	// Persist the ledger even if the parent context is being cancelled:
	// the dispatch hand-off above already happened.
	wctx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	if err := s.withStoreRetry(wctx, func(c context.Context) error {
		return s.store.MarkSeen(c, watch.ID, res.SeenIDs, now)
	}); err != nil {
		return sentCount, fmt.Errorf("mark seen: %w", err)
	}
	if err := s.store.TrimSeen(wctx, watch.ID, s.opts.SeenMaxPerWatch); err != nil {
		s.log.Error("trim seen items", "watch_id", watch.ID, "error", err)
	}
	if res.Seeded {
		if err := s.withStoreRetry(wctx, func(c context.Context) error {
			return s.store.MarkWatchSeeded(c, watch.ID)
		}); err != nil {
			return 0, fmt.Errorf("mark watch seeded: %w", err)
		}
	}
	if err := s.withStoreRetry(wctx, func(c context.Context) error {
		return s.store.UpdateWatchChecked(c, watch.ID, now)
	}); err != nil {
		s.log.Error("update last check", "watch_id", watch.ID, "error", err)
	}

	if res.Seeded {
		s.log.Info("seeded watch", "watch_id", watch.ID, "items", len(res.SeenIDs))
	} else if sentCount > 0 {
		s.log.Info("dispatched notifications", "watch_id", watch.ID, "chat_id", watch.ChatID, "count", sentCount)
	}
	return sentCount, nil
}

// touchWatch advances last_check_at after a failed fetch so a broken watch
// is retried on its normal interval instead of every tick.
func (s *Scheduler) touchWatch(ctx context.Context, watchID int64) {
	wctx := context.WithoutCancel(ctx)
	if err := s.store.UpdateWatchChecked(wctx, watchID, time.Now().UTC()); err != nil {
		s.log.Error("update last check", "watch_id", watchID, "error", err)
	}
}

// withStoreRetry retries a store write a bounded number of times.
func (s *Scheduler) withStoreRetry(ctx context.Context, op func(context.Context) error) error {
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(c context.Context) error {
		if err := op(c); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *Scheduler) cleanupSeen(ctx context.Context) {
	olderThan := time.Now().UTC().AddDate(0, 0, -s.opts.RetentionDays)
	n, err := s.store.PruneSeen(ctx, olderThan)
	if err != nil {
		s.log.Error("prune seen items", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("pruned old seen items", "count", n, "older_than_days", s.opts.RetentionDays)
	}
}

// acquire claims the per-watch poll slot. Periodic and manual polls share
// it, so no two polls for the same watch ever run concurrently.
func (s *Scheduler) acquire(watchID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[watchID]; busy {
		return false
	}
	s.inFlight[watchID] = struct{}{}
	return true
}

func (s *Scheduler) release(watchID int64) {
	s.mu.Lock()
	delete(s.inFlight, watchID)
	s.mu.Unlock()
}

// penalized consumes one penalty cycle for a rate-limited watch.
func (s *Scheduler) penalized(watchID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.penalty[watchID] > 0 {
		s.penalty[watchID]--
		return true
	}
	return false
}

func (s *Scheduler) penalize(watchID int64) {
	s.mu.Lock()
	s.penalty[watchID] = rateLimitPenaltyCycles
	s.mu.Unlock()
	s.log.Warn("provider rate limited, widening poll interval", "watch_id", watchID, "skip_cycles", rateLimitPenaltyCycles)
}

func (s *Scheduler) clearPenalty(watchID int64) {
	s.mu.Lock()
	delete(s.penalty, watchID)
	s.mu.Unlock()
}
