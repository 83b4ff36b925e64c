package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sthita19/kindle-clippings-app/clippings"
	"github.com/sthita19/kindle-clippings-app/digest"
	"github.com/sthita19/kindle-clippings-app/pkg/clip"
)

const (
	defaultTick        = time.Minute
	defaultSendTimeout = 30 * time.Second
	defaultConcurrency = 4
)

// Store is the subscriber state the loop reads and updates.
type Store interface {
	List(ctx context.Context) ([]*clip.Subscriber, error)
	// MarkSent records a successful delivery: it advances LastSentAt and
	// appends a delivery record in a single transaction.
	MarkSent(ctx context.Context, subscriberID string, at time.Time) error
}

// Exports loads raw export blobs.
type Exports interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Emailer delivers a rendered digest body to a subscriber.
type Emailer interface {
	SendDigest(ctx context.Context, sub *clip.Subscriber, body string, count int) error
}

// Scheduler owns the recurring tick that evaluates every subscriber and
// delivers digests that are due. It is started and stopped explicitly and
// never reaches for process-wide state.
type Scheduler struct {
	store       Store
	exports     Exports
	emailer     Emailer
	logger      *slog.Logger
	loc         *time.Location
	isNotFound  func(error) bool
	tick        time.Duration
	guard       time.Duration
	sendTimeout time.Duration
	limit       int

	tickMu sync.Mutex // held for the duration of one tick
	stop   chan struct{}
	done   chan struct{}
}

// Config holds scheduler dependencies and tuning.
type Config struct {
	Store       Store
	Exports     Exports
	Emailer     Emailer
	Logger      *slog.Logger
	Location    *time.Location
	IsNotFound  func(error) bool // distinguishes "no export uploaded" from storage failure
	Tick        time.Duration    // default one minute
	Guard       time.Duration    // default DefaultGuard
	SendTimeout time.Duration    // default 30s
	MaxParallel int              // default 4 concurrent deliveries per tick
}

// New creates a scheduler.
func New(cfg *Config) *Scheduler {
	s := &Scheduler{
		store:       cfg.Store,
		exports:     cfg.Exports,
		emailer:     cfg.Emailer,
		logger:      cfg.Logger,
		loc:         cfg.Location,
		isNotFound:  cfg.IsNotFound,
		tick:        cfg.Tick,
		guard:       cfg.Guard,
		sendTimeout: cfg.SendTimeout,
		limit:       cfg.MaxParallel,
	}
	if s.tick <= 0 {
		s.tick = defaultTick
	}
	if s.guard <= 0 {
		s.guard = DefaultGuard
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = defaultSendTimeout
	}
	if s.limit <= 0 {
		s.limit = defaultConcurrency
	}
	return s
}

// Start launches the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.logger.Info("Scheduler starting", "tick", s.tick.String(), "guard", s.guard.String(), "timezone", s.loc.String())

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Scheduler stopping", "reason", ctx.Err())
				return
			case <-s.stop:
				s.logger.Info("Scheduler stopped")
				return
			case <-ticker.C:
				if err := s.RunTick(ctx, time.Now()); err != nil {
					s.logger.Error("Tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	// Barrier: a manually triggered tick may still hold the lock.
	s.tickMu.Lock()
	s.tickMu.Unlock()
}

// RunTick evaluates every subscriber against a single instant. If the
// previous tick is still running the whole tick is skipped, which bounds
// concurrency across ticks. Per-subscriber failures are logged and isolated;
// one slow or failing subscriber never blocks the rest of the batch.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) error {
	if !s.tickMu.TryLock() {
		s.logger.Warn("Previous tick still running, skipping", "timestamp", now.Format(time.RFC3339))
		return nil
	}
	defer s.tickMu.Unlock()

	subs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	s.logger.Info("Evaluating subscribers", "count", len(subs), "timestamp", now.Format(time.RFC3339))

	var delivered, due atomic.Int64
	g := &errgroup.Group{}
	g.SetLimit(s.limit)

	for _, sub := range subs {
		g.Go(func() error {
			if !DigestDue(sub.Schedule, now, s.loc, s.guard) {
				return nil
			}
			due.Add(1)
			if s.deliver(ctx, sub, now) {
				delivered.Add(1)
			}
			return nil // failures are per-subscriber, never tick-fatal
		})
	}
	_ = g.Wait()

	s.logger.Info("Tick completed",
		"evaluated", len(subs),
		"due", due.Load(),
		"delivered", delivered.Load())

	return nil
}

// deliver builds and sends one subscriber's digest and records the outcome.
// Returns true only when the send succeeded and the state update committed.
func (s *Scheduler) deliver(ctx context.Context, sub *clip.Subscriber, now time.Time) bool {
	logger := s.logger.With("email", sub.Email, "subscriber_id", sub.ID)
	logger.Info("Digest due",
		"frequency", string(sub.Schedule.Frequency),
		"send_time", sub.Schedule.SendTime)

	body, count, err := s.buildDigest(ctx, sub)
	if err != nil {
		logger.Warn("Digest build failed", "error", err)
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.emailer.SendDigest(sendCtx, sub, body, count); err != nil {
		// No state change: the subscriber stays eligible and is retried
		// at the next minute that matches their schedule.
		logger.Warn("Digest delivery failed", "error", err)
		return false
	}

	if err := s.store.MarkSent(ctx, sub.ID, now); err != nil {
		// The digest went out but the outcome was not recorded, so the
		// next matching minute may deliver a duplicate. Preferable to
		// silently repeating forever.
		logger.Error("Failed to record delivery", "error", err)
		return false
	}

	logger.Info("Digest delivered", "clippings", count)
	return true
}

// SendNow bypasses the recurrence evaluator and attempts delivery
// immediately. Used by the manual "send now" action; the result is reported
// synchronously to the caller. A successful send still advances LastSentAt
// and appends a delivery record.
func (s *Scheduler) SendNow(ctx context.Context, sub *clip.Subscriber) (int, error) {
	body, count, err := s.buildDigest(ctx, sub)
	if err != nil {
		return 0, fmt.Errorf("build digest: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.emailer.SendDigest(sendCtx, sub, body, count); err != nil {
		return 0, fmt.Errorf("send digest: %w", err)
	}

	if err := s.store.MarkSent(ctx, sub.ID, time.Now()); err != nil {
		return count, fmt.Errorf("record delivery: %w", err)
	}
	return count, nil
}

// buildDigest loads, parses, and formats one subscriber's digest. A missing
// export yields the placeholder body rather than an error; a decode failure
// aborts this subscriber's digest.
func (s *Scheduler) buildDigest(ctx context.Context, sub *clip.Subscriber) (body string, count int, err error) {
	if sub.ExportKey == "" {
		return digest.Placeholder, 0, nil
	}

	raw, err := s.exports.Get(ctx, sub.ExportKey)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			return digest.Placeholder, 0, nil
		}
		return "", 0, fmt.Errorf("load export: %w", err)
	}

	highlights, err := clippings.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("parse export: %w", err)
	}

	picked := digest.Sample(highlights, sub.Schedule.DigestSize)
	if len(picked) == 0 {
		return digest.Placeholder, 0, nil
	}
	return digest.Render(picked), len(picked), nil
}
