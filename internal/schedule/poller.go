package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/recurrence"
	"agenda/internal/reminder"
)

var (
	// ErrStorageUnavailable wraps any failure of the Store collaborator.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrEmitFailure wraps any failure of the Sink collaborator.
	ErrEmitFailure = errors.New("reminder emit failed")
)

// Store is what the poll cycle needs from persistent storage.
type Store interface {
	LoadEvents(ctx context.Context) ([]model.Event, error)
	LoadSent(ctx context.Context, eventIDs []string) (reminder.SentSet, error)
	PersistSent(ctx context.Context, key reminder.SentKey) error
}

// Reminder is one (occurrence, threshold) pair handed to a Sink.
type Reminder struct {
	Occurrence model.Occurrence
	Threshold  reminder.Threshold
}

// Sink delivers reminders (desktop notification, log line, ...).
type Sink interface {
	Emit(ctx context.Context, r Reminder) error
}

// Config tunes the poll cycle.
type Config struct {
	// Slack widens the scan window backwards from now.
	Slack time.Duration
	// NowGrace is passed to the due selector.
	NowGrace time.Duration
	// CallTimeout bounds every Emit and PersistSent call.
	CallTimeout time.Duration
	// Retries is the number of extra attempts after a failed call.
	Retries int
	// Now overrides the clock (tests).
	Now func() time.Time
}

const (
	DefaultSlack       = time.Hour
	DefaultCallTimeout = 10 * time.Second
	DefaultRetries     = 1
)

func (c *Config) normalize() {
	if c.NowGrace <= 0 {
		c.NowGrace = reminder.DefaultNowGrace
	}
	if c.Slack < c.NowGrace {
		c.Slack = max(DefaultSlack, c.NowGrace)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Report summarises one cycle.
type Report struct {
	Events        int
	Occurrences   int
	Emitted       int
	EmitFailed    int
	PersistFailed int
	EventErrors   int
}

// Poller runs notification poll cycles. Concurrent RunCycle calls (timer
// and manual trigger) share one execution, and the select/emit/persist
// section is serialised, so no triple can be observed as unsent by two
// cycles at once.
type Poller struct {
	store    Store
	sink     Sink
	cfg      Config
	selector reminder.Selector

	mu    sync.Mutex
	group singleflight.Group
}

func NewPoller(store Store, sink Sink, cfg Config) *Poller {
	cfg.normalize()
	return &Poller{
		store:    store,
		sink:     sink,
		cfg:      cfg,
		selector: reminder.Selector{NowGrace: cfg.NowGrace},
	}
}

// ScanWindow is the window a cycle at now expands: from now minus slack
// up to and including now plus the longest lead time.
func ScanWindow(now time.Time, slack time.Duration) recurrence.Window {
	return recurrence.Window{
		From: now.Add(-slack),
		To:   now.Add(reminder.LongestLead() + time.Second),
	}
}

// RunCycle performs one poll cycle, or joins the one already running.
func (p *Poller) RunCycle(ctx context.Context) (Report, error) {
	v, err, shared := p.group.Do("cycle", func() (any, error) {
		return p.cycle(ctx)
	})
	if shared {
		appLog.Debug("poll cycle joined in-flight run")
	}
	rep, _ := v.(Report)
	return rep, err
}

func (p *Poller) cycle(ctx context.Context) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rep Report
	now := p.cfg.Now()
	window := ScanWindow(now, p.cfg.Slack)

	events, err := p.store.LoadEvents(ctx)
	if err != nil {
		return rep, fmt.Errorf("%w: load events: %w", ErrStorageUnavailable, err)
	}
	rep.Events = len(events)

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	sent, err := p.store.LoadSent(ctx, ids)
	if err != nil {
		return rep, fmt.Errorf("%w: load sent records: %w", ErrStorageUnavailable, err)
	}
	if sent == nil {
		sent = reminder.NewSentSet()
	}

	for i := range events {
		p.processEvent(ctx, now, window, &events[i], sent, &rep)
	}

	appLog.Info("poll cycle done",
		"events", rep.Events,
		"occurrences", rep.Occurrences,
		"emitted", rep.Emitted,
		"emit_failed", rep.EmitFailed,
		"persist_failed", rep.PersistFailed,
		"event_errors", rep.EventErrors,
	)
	return rep, nil
}

// processEvent handles one event. Any failure here, including a panic in
// rule evaluation, only skips this event for the current cycle.
func (p *Poller) processEvent(ctx context.Context, now time.Time, window recurrence.Window, ev *model.Event, sent reminder.SentSet, rep *Report) {
	defer func() {
		if r := recover(); r != nil {
			rep.EventErrors++
			appLog.Error("poll: event processing panicked", fmt.Errorf("%v", r), "event_id", ev.ID)
		}
	}()

	thresholds := ev.Notify.Thresholds()
	if len(thresholds) == 0 {
		return
	}

	occs, err := Expand(ev, window)
	if err != nil {
		rep.EventErrors++
		appLog.Error("poll: expand failed", err, "event_id", ev.ID)
		return
	}
	rep.Occurrences += len(occs)

	for _, occ := range occs {
		for _, th := range p.selector.Due(now, ev.ID, occ.Start, occ.End, thresholds, sent) {
			p.deliver(ctx, Reminder{Occurrence: occ, Threshold: th}, sent, rep)
		}
	}
}

// deliver emits one reminder and then records it. The triple is recorded
// whatever the emit outcome; only a failed persist leaves it eligible for
// the next cycle.
func (p *Poller) deliver(ctx context.Context, r Reminder, sent reminder.SentSet, rep *Report) {
	key := r.Occurrence.Key(r.Threshold)
	kv := []any{
		"event_id", key.EventID,
		"occurrence", key.Occurrence.UTC().Format(time.RFC3339),
		"threshold", string(key.Threshold),
	}

	if err := p.call(ctx, func(ctx context.Context) error { return p.sink.Emit(ctx, r) }); err != nil {
		rep.EmitFailed++
		appLog.Error("poll: emit failed", fmt.Errorf("%w: %w", ErrEmitFailure, err), kv...)
	} else {
		rep.Emitted++
		appLog.Info("reminder sent", kv...)
	}

	if err := p.call(ctx, func(ctx context.Context) error { return p.store.PersistSent(ctx, key) }); err != nil {
		rep.PersistFailed++
		appLog.Error("poll: persist failed", fmt.Errorf("%w: %w", ErrStorageUnavailable, err), kv...)
		return
	}
	sent.Add(key)
}

// call runs fn with the configured timeout and retries. A callee that
// ignores its context is abandoned when the timeout fires.
func (p *Poller) call(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		done := make(chan error, 1)
		go func() { done <- fn(cctx) }()
		select {
		case err = <-done:
		case <-cctx.Done():
			err = cctx.Err()
		}
		cancel()
		if err == nil {
			return nil
		}
		appLog.Debug("poll: call failed", "attempt", attempt+1, "err", err)
	}
	return err
}
