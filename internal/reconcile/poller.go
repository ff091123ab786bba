// Package reconcile runs the polling loop that reads every stage collection
// for one calendar day and publishes a merged snapshot.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinic-ops/patientflow/internal/flow"
	"github.com/clinic-ops/patientflow/internal/shared/events"
	"github.com/clinic-ops/patientflow/internal/shared/metrics"
	"github.com/clinic-ops/patientflow/internal/store"
)

// Config holds poller configuration
type Config struct {
	Interval time.Duration
	Location *time.Location
}

// Poller owns the current snapshot. It is the single writer; any number of
// readers may call Snapshot concurrently.
type Poller struct {
	store  store.Store
	bus    events.EventBus
	logger zerolog.Logger
	cfg    Config
	now    func() time.Time

	// serialises cycles so only one fan-out read is in flight
	cycle sync.Mutex

	mu         sync.RWMutex
	snapshot   *flow.Snapshot
	date       string
	generation uint64
	lastErr    error
	lastErrAt  time.Time

	trigger chan struct{}

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Poller
type Option func(*Poller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// NewPoller creates a poller. bus may be nil.
func NewPoller(s store.Store, bus events.EventBus, cfg Config, logger zerolog.Logger, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	p := &Poller{
		store:   s,
		bus:     bus,
		logger:  logger.With().Str("component", "poller").Logger(),
		cfg:     cfg,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Location is the zone used to normalise dates.
func (p *Poller) Location() *time.Location {
	return p.cfg.Location
}

// Date returns the target day. Without an explicit SetDate it follows the
// current local day.
func (p *Poller) Date() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dateLocked()
}

// dateLocked is Date for callers holding p.mu.
func (p *Poller) dateLocked() string {
	if p.date != "" {
		return p.date
	}
	return flow.Today(p.cfg.Location, p.now())
}

// SetDate changes the target day and requests an immediate cycle. An empty
// date returns to following today.
func (p *Poller) SetDate(date string) error {
	if date != "" && !flow.ValidDate(date) {
		return fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
	}
	p.mu.Lock()
	p.date = date
	p.mu.Unlock()

	p.Trigger()
	return nil
}

// Trigger requests a cycle as soon as the loop is free. Requests made while
// a cycle is running collapse into one follow-up cycle.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Snapshot returns the last applied snapshot, or nil before the first
// successful cycle. The value must not be modified.
func (p *Poller) Snapshot() *flow.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Status reports the last failure, if the most recent cycle failed.
type Status struct {
	Date       string    `json:"date"`
	Generation uint64    `json:"generation"`
	FetchedAt  time.Time `json:"fetched_at,omitempty"`
	Stale      bool      `json:"stale"`
	LastError  string    `json:"last_error,omitempty"`
	LastErrAt  time.Time `json:"last_error_at,omitempty"`
}

// Status summarises the poller for health endpoints.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	date := p.dateLocked()

	st := Status{Date: date, Generation: p.generation}
	if p.snapshot != nil {
		st.FetchedAt = p.snapshot.FetchedAt
		st.Stale = p.snapshot.Date != date
	}
	if p.lastErr != nil {
		st.Stale = true
		st.LastError = p.lastErr.Error()
		st.LastErrAt = p.lastErrAt
	}
	return st
}

// Start runs the loop in a goroutine until ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return fmt.Errorf("poller already started")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go func() {
		defer close(p.doneCh)
		p.Run(ctx, p.stopCh)
	}()
	return nil
}

// Stop ends the loop started by Start and waits for it to exit.
func (p *Poller) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.runMu.Unlock()

	<-done
}

// Run polls immediately, then on every tick and on every trigger, until
// ctx is done or stop is closed. Queue notifications on the bus trigger an
// early cycle.
func (p *Poller) Run(ctx context.Context, stop <-chan struct{}) {
	if p.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		for _, topic := range events.QueueTopics {
			_, err := p.bus.Subscribe(subCtx, topic, "poller", func(context.Context, events.Event) error {
				p.Trigger()
				return nil
			})
			if err != nil {
				p.logger.Warn().Err(err).Str("topic", topic).Msg("queue notifications unavailable")
			}
		}
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.cfg.Interval).Msg("poller started")
	_, _ = p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		case <-p.trigger:
		}
		if ctx.Err() != nil {
			return
		}
		_, _ = p.Poll(ctx)
	}
}

// Poll runs one cycle: five concurrent reads, date filtering, merge. On
// failure the previous snapshot stays in place and is returned with the
// error. A cycle whose target date changed while it was reading is
// discarded.
func (p *Poller) Poll(ctx context.Context) (*flow.Snapshot, error) {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	date := p.Date()
	began := time.Now()

	src, err := p.fetch(ctx)
	metrics.RecordPoll(time.Since(began), err)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.lastErrAt = p.now()
		current := p.snapshot
		p.mu.Unlock()

		p.logger.Warn().Err(err).Str("date", date).Msg("poll failed, keeping last snapshot")
		return current, err
	}

	loc := p.cfg.Location
	filtered := flow.Sources{
		Appointments:  flow.FilterAppointments(src.Appointments, date, loc),
		Reception:     flow.FilterItems(src.Reception, date, loc),
		OPD:           flow.FilterItems(src.OPD, date, loc),
		DoctorWaiting: flow.FilterItems(src.DoctorWaiting, date, loc),
		DoctorDone:    flow.FilterItems(src.DoctorDone, date, loc),
	}

	p.mu.Lock()
	if p.dateLocked() != date {
		current := p.snapshot
		p.mu.Unlock()

		metrics.RecordPollDiscarded()
		p.logger.Debug().Str("date", date).Msg("target date changed mid-poll, discarding cycle")
		p.Trigger()
		return current, nil
	}
	p.generation++
	snap := flow.NewSnapshot(date, p.generation, p.now(), filtered)
	p.snapshot = snap
	p.lastErr = nil
	p.mu.Unlock()

	for _, level := range flow.Levels {
		metrics.RecordMergedLevel(string(level), levelCount(snap.Counts, level))
	}

	if p.bus != nil {
		evt := events.NewEvent(events.TopicSnapshotRefreshed, "poller", snap.Counts)
		if err := p.bus.Publish(ctx, evt); err != nil {
			p.logger.Debug().Err(err).Msg("snapshot subscribers failed")
		}
	}
	return snap, nil
}

// fetch is the fan-out/fan-in barrier over the store.
func (p *Poller) fetch(ctx context.Context) (flow.Sources, error) {
	var src flow.Sources
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appts, err := p.store.ListAppointments(gctx)
		if err != nil {
			return fmt.Errorf("appointments: %w", err)
		}
		src.Appointments = appts
		return nil
	})

	waiting := map[flow.Stage]*[]flow.QueueItem{
		flow.StageReception: &src.Reception,
		flow.StageOPD:       &src.OPD,
		flow.StageDoctor:    &src.DoctorWaiting,
	}
	for stage, dst := range waiting {
		g.Go(func() error {
			items, err := p.store.ListQueue(gctx, stage, store.ListFilter{Status: flow.StatusWaiting})
			if err != nil {
				return fmt.Errorf("%s queue: %w", stage, err)
			}
			*dst = items
			return nil
		})
	}

	g.Go(func() error {
		items, err := p.store.ListQueue(gctx, flow.StageDoctor, store.ListFilter{Status: flow.StatusDone})
		if err != nil {
			return fmt.Errorf("discharged: %w", err)
		}
		src.DoctorDone = items
		return nil
	})

	if err := g.Wait(); err != nil {
		return flow.Sources{}, err
	}
	return src, nil
}

func levelCount(c flow.Counts, level flow.Level) int {
	switch level {
	case flow.LevelScheduled:
		return c.Scheduled
	case flow.LevelReception:
		return c.Reception
	case flow.LevelOPD:
		return c.OPD
	case flow.LevelDoctor:
		return c.Doctor
	case flow.LevelDischarged:
		return c.Discharged
	}
	return 0
}
