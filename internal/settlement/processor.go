package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// PassRunner runs one settlement pass
type PassRunner interface {
	RunPass(ctx context.Context) (*PassSummary, error)
}

// RunStore keeps the history of settlement passes
type RunStore interface {
	CreateRun(ctx context.Context, run *SettlementRun) error
	UpdateRun(ctx context.Context, run *SettlementRun) error
}

// ParseSchedule accepts a standard five field cron expression or a
// descriptor such as @daily.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return schedule, nil
}

type Processor struct {
	engine   PassRunner
	runs     RunStore
	schedule cron.Schedule
	location *time.Location
	trigger  chan struct{}

	now   func() time.Time
	after func(d time.Duration) (<-chan time.Time, func())

	mu      sync.RWMutex
	nextRun time.Time
}

func NewProcessor(engine PassRunner, runs RunStore, schedule cron.Schedule, location *time.Location) *Processor {
	if location == nil {
		location = time.UTC
	}
	return &Processor{
		engine:   engine,
		runs:     runs,
		schedule: schedule,
		location: location,
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
		after: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTimer(d)
			return t.C, func() { t.Stop() }
		},
	}
}

// NextRun computes the next fire time strictly after from. It is zero when
// the processor has no schedule.
func (p *Processor) NextRun(from time.Time) time.Time {
	if p.schedule == nil {
		return time.Time{}
	}
	return p.schedule.Next(from.In(p.location))
}

// ScheduledRun returns the fire time the loop is currently waiting for
func (p *Processor) ScheduledRun() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextRun
}

// Trigger queues a pass to run as soon as the loop is free. It returns false
// when a manual pass is already queued.
func (p *Processor) Trigger() bool {
	select {
	case p.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Start runs the settlement loop until ctx is cancelled. Passes never
// overlap; the next fire time is computed from the clock after each pass.
// Without a schedule only manual triggers run passes.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Msg("starting settlement processor")

	for {
		next := p.NextRun(p.now())
		p.mu.Lock()
		p.nextRun = next
		p.mu.Unlock()

		var fire <-chan time.Time
		stop := func() {}
		if !next.IsZero() {
			wait := next.Sub(p.now())
			if wait < 0 {
				wait = 0
			}
			logger.Info().Time("next_run", next).Dur("wait", wait).Msg("waiting for next settlement pass")
			fire, stop = p.after(wait)
		} else {
			logger.Info().Msg("waiting for a manual settlement pass")
		}

		select {
		case <-ctx.Done():
			stop()
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-fire:
			if ctx.Err() != nil {
				return
			}
			p.runPass(ctx, TriggerSchedule)
		case <-p.trigger:
			stop()
			if ctx.Err() != nil {
				return
			}
			p.runPass(ctx, TriggerManual)
		}
	}
}

// runPass never lets a failure or panic reach the loop
func (p *Processor) runPass(ctx context.Context, trigger string) {
	logger := log.With().Str("component", "settlement_processor").Str("trigger", trigger).Logger()

	run := &SettlementRun{
		RunID:     "RUN_" + uuid.New().String(),
		Trigger:   trigger,
		Status:    RunStatusRunning,
		StartedAt: p.now().UTC(),
		CreatedAt: p.now().UTC(),
		UpdatedAt: p.now().UTC(),
	}
	logger = logger.With().Str("run_id", run.RunID).Logger()

	// bookkeeping outlives shutdown of the pass itself
	storeCtx := context.WithoutCancel(ctx)
	if p.runs != nil {
		if err := p.runs.CreateRun(storeCtx, run); err != nil {
			logger.Error().Err(err).Msg("failed to record settlement run")
		}
	}

	summary, err := p.safeRun(ctx)

	finished := p.now().UTC()
	run.FinishedAt = &finished
	run.UpdatedAt = finished
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = truncate(err.Error(), 1024)
		logger.Error().Err(err).Msg("settlement pass failed")
	} else {
		run.Status = RunStatusCompleted
		if summary != nil {
			summary.apply(run)
		}
		logger.Info().
			Int("items", run.Items).
			Int("accepted", run.Accepted).
			Int("lapsed", run.Lapsed).
			Int("no_bids", run.NoBids).
			Int("self_bids", run.SelfBids).
			Int("retried", run.Retried).
			Int("abandoned", run.Abandoned).
			Dur("duration", finished.Sub(run.StartedAt)).
			Msg("settlement pass completed")
	}

	passDuration.WithLabelValues(trigger, run.Status).Observe(finished.Sub(run.StartedAt).Seconds())
	lastPassTimestamp.Set(float64(finished.Unix()))

	if p.runs != nil {
		if err := p.runs.UpdateRun(storeCtx, run); err != nil {
			logger.Error().Err(err).Msg("failed to update settlement run")
		}
	}
}

func (p *Processor) safeRun(ctx context.Context) (summary *PassSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			summary, err = nil, fmt.Errorf("settlement pass panicked: %v", r)
		}
	}()
	return p.engine.RunPass(ctx)
}
