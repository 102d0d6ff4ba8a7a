// Package poll runs the fetch, change detection and broadcast cycle for the outage schedule.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"poweron-notifier/pkg/notifier"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Fetcher resolves the current schedule image URL.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string) (string, error)
}

// Transport delivers messages to a single chat.
type Transport interface {
	SendSchedule(ctx context.Context, id notifier.SubscriberID, imageURL, caption string) error
	SendText(ctx context.Context, id notifier.SubscriberID, text string) error
}

// Store is the subscriber set as seen by the poller.
type Store interface {
	All() []notifier.SubscriberID
	Count() int
	Remove(ctx context.Context, id notifier.SubscriberID) error
}

// Cache persists the last broadcast schedule across restarts.
type Cache interface {
	Load(ctx context.Context) *notifier.Schedule
	Save(ctx context.Context, sched notifier.Schedule) error
}

// Formatter renders subscriber-facing text.
type Formatter interface {
	Caption(now time.Time, extra string) string
	Timestamp(now time.Time) string
	CheckFailed(err error) string
}

// Config holds monitor dependencies and settings.
type Config struct {
	Fetcher            Fetcher
	Transport          Transport
	Store              Store
	Cache              Cache // Optional
	Formatter          Formatter
	Logger             *slog.Logger
	Now                func() time.Time // Defaults to time.Now
	TargetURL          string
	Interval           time.Duration
	ErrorCooldown      time.Duration
	SendRatePerSec     int
	NormalizeReference bool
}

// Result describes one completed cycle.
type Result struct {
	Reference string
	Report    Report
	Changed   bool
}

// Status is a point-in-time view of the monitor.
type Status struct {
	LastCheck     time.Time `json:"last_check"`
	LastError     string    `json:"last_error,omitempty"`
	LastReference string    `json:"last_reference"`
	TargetURL     string    `json:"target_url"`
	Interval      string    `json:"interval"`
	Subscribers   int       `json:"subscribers"`
}

// Monitor owns the last-known schedule and error throttle state and serializes cycles.
type Monitor struct {
	ctx        context.Context // process lifetime; bounds broadcasts
	fetcher    Fetcher
	transport  Transport
	store      Store
	cache      Cache
	formatter  Formatter
	logger     *slog.Logger
	now        func() time.Time
	detector   *Detector
	throttle   *Throttle
	dispatcher *Dispatcher

	lastCheck time.Time
	lastErr   error

	targetURL string
	interval  time.Duration

	cycleMu sync.Mutex // one fetch-detect-broadcast at a time
	stateMu sync.Mutex
}

// New creates a monitor. If a cache is configured its record seeds the last-known reference.
// A broadcast, once started, stops only when ctx is cancelled, never with the triggering request.
func New(ctx context.Context, cfg *Config) *Monitor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	var initial string
	if cfg.Cache != nil {
		if sched := cfg.Cache.Load(ctx); sched != nil {
			initial = sched.Reference
			cfg.Logger.Info("Last schedule restored", "reference", sched.Reference, "detected_at", sched.Timestamp)
		}
	}

	return &Monitor{
		ctx:        ctx,
		fetcher:    cfg.Fetcher,
		transport:  cfg.Transport,
		store:      cfg.Store,
		cache:      cfg.Cache,
		formatter:  cfg.Formatter,
		logger:     cfg.Logger,
		now:        now,
		detector:   NewDetector(initial, cfg.NormalizeReference),
		throttle:   NewThrottle(cfg.ErrorCooldown),
		dispatcher: NewDispatcher(cfg.Store, cfg.SendRatePerSec, cfg.Logger),
		targetURL:  cfg.TargetURL,
		interval:   cfg.Interval,
	}
}

// Poll runs a timer-driven cycle. Fetch failures are reported to subscribers,
// at most once per error cooldown.
func (m *Monitor) Poll(ctx context.Context) {
	if _, err := m.cycle(ctx, "timer"); err != nil {
		m.notifyFailure(ctx, err)
	}
}

// Refresh runs a cycle on behalf of a user request and returns fetch failures to the caller.
func (m *Monitor) Refresh(ctx context.Context) (Result, error) {
	return m.cycle(ctx, "manual")
}

// LastReference returns the last detected schedule reference, "" if none yet.
func (m *Monitor) LastReference() string {
	return m.detector.Last()
}

// Status reports the monitor state.
func (m *Monitor) Status() Status {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	st := Status{
		LastCheck:     m.lastCheck,
		LastReference: m.detector.Last(),
		TargetURL:     m.targetURL,
		Interval:      m.interval.String(),
		Subscribers:   m.store.Count(),
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Interval returns the configured poll interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// TargetURL returns the page being polled.
func (m *Monitor) TargetURL() string {
	return m.targetURL
}

func (m *Monitor) cycle(ctx context.Context, trigger string) (Result, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	startTime := m.now()
	m.logger.Info("Checking schedule", "trigger", trigger, "url", m.targetURL, "state", "fetching")

	ref, err := m.fetcher.Fetch(ctx, m.targetURL)
	m.recordCheck(startTime, err)
	if err != nil {
		m.logger.Error("Schedule check failed", "trigger", trigger, "error", err)
		return Result{}, fmt.Errorf("check schedule: %w", err)
	}

	previous := m.detector.Last()
	if !m.detector.Observe(ref) {
		m.logger.Info("Schedule unchanged", "trigger", trigger, "reference", ref, "state", "idle")
		return Result{Reference: ref}, nil
	}

	m.logger.Info("Schedule changed",
		"trigger", trigger,
		"previous", previous,
		"reference", ref,
		"state", "broadcasting")

	// The reference is already recorded, so every subscriber must get it now: a cancelled
	// request must not cut the broadcast short.
	deliverCtx := m.ctx

	if m.cache != nil {
		sched := notifier.Schedule{Reference: ref, Timestamp: m.formatter.Timestamp(startTime)}
		if err := m.cache.Save(deliverCtx, sched); err != nil {
			m.logger.Warn("Failed to persist schedule, continuing with broadcast", "error", err)
		}
	}

	caption := m.formatter.Caption(m.now(), "")
	rep := m.dispatcher.Broadcast(deliverCtx, m.store.All(), func(ctx context.Context, id notifier.SubscriberID) error {
		return m.transport.SendSchedule(ctx, id, ref, caption)
	})

	m.logger.Info("Schedule check completed",
		"trigger", trigger,
		"sent", rep.Sent,
		"failed", rep.Failed,
		"removed", rep.Removed,
		"duration_ms", m.now().Sub(startTime).Milliseconds(),
		"state", "idle")

	return Result{Reference: ref, Changed: true, Report: rep}, nil
}

func (m *Monitor) recordCheck(at time.Time, err error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.lastCheck = at
	m.lastErr = err
}

func (m *Monitor) notifyFailure(ctx context.Context, err error) {
	if !m.throttle.ShouldNotify(m.now()) {
		m.logger.Info("Failure notice suppressed by cooldown", "last_notified", m.throttle.LastNotified().Format(time.RFC3339))
		return
	}

	text := m.formatter.CheckFailed(err)
	m.dispatcher.Broadcast(ctx, m.store.All(), func(ctx context.Context, id notifier.SubscriberID) error {
		return m.transport.SendText(ctx, id, text)
	})
}

// Run polls immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	logger := cronLogger{m.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(m.interval), cron.FuncJob(func() {
		m.Poll(ctx)
	}))

	m.logger.Info("Schedule monitor started", "url", m.targetURL, "interval", m.interval.String())
	m.Poll(ctx)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	m.logger.Info("Schedule monitor stopped")
	return nil
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
