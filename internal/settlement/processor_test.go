package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	mu     sync.Mutex
	calls  int
	err    error
	panics bool
	done   chan struct{}
}

func (r *stubRunner) RunPass(ctx context.Context) (*PassSummary, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	defer func() {
		if r.done != nil {
			r.done <- struct{}{}
		}
	}()

	if r.panics {
		panic("boom")
	}
	if r.err != nil {
		return nil, r.err
	}
	summary := newPassSummary()
	summary.Items = 2
	summary.Outcomes[OutcomeAccepted] = 1
	summary.Outcomes[OutcomeLapsed] = 1
	return summary, nil
}

func (r *stubRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]SettlementRun
}

func (m *memRuns) CreateRun(ctx context.Context, run *SettlementRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = make(map[string]SettlementRun)
	}
	m.runs[run.RunID] = *run
	return nil
}

func (m *memRuns) UpdateRun(ctx context.Context, run *SettlementRun) error {
	return m.CreateRun(ctx, run)
}

func (m *memRuns) all() []SettlementRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []SettlementRun
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	return runs
}

func newTestProcessor(t *testing.T, runner PassRunner, runs RunStore) (*Processor, chan chan time.Time) {
	t.Helper()
	schedule, err := ParseSchedule("0 0 * * *")
	require.NoError(t, err)

	p := NewProcessor(runner, runs, schedule, time.UTC)
	timers := make(chan chan time.Time, 8)
	p.after = func(d time.Duration) (<-chan time.Time, func()) {
		fire := make(chan time.Time, 1)
		timers <- fire
		return fire, func() {}
	}
	return p, timers
}

func TestProcessor_NextRun(t *testing.T) {
	schedule, err := ParseSchedule("0 0 * * *")
	require.NoError(t, err)

	t.Run("utc_midnight", func(t *testing.T) {
		p := NewProcessor(&stubRunner{}, nil, schedule, time.UTC)

		next := p.NextRun(time.Date(2024, 3, 1, 13, 45, 0, 0, time.UTC))
		require.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), next.UTC())

		// strictly after, so a pass ending exactly at midnight waits a day
		next = p.NextRun(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
		require.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("configured_zone", func(t *testing.T) {
		zone := time.FixedZone("UTC+2", 2*60*60)
		p := NewProcessor(&stubRunner{}, nil, schedule, zone)

		next := p.NextRun(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		require.Equal(t, time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("invalid_schedule", func(t *testing.T) {
		_, err := ParseSchedule("every midnight")
		require.Error(t, err)
	})
}

func TestProcessor_FiresOncePerTick(t *testing.T) {
	runner := &stubRunner{done: make(chan struct{}, 1)}
	runs := &memRuns{}
	p, timers := newTestProcessor(t, runner, runs)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(stopped)
	}()

	first := <-timers
	require.False(t, p.ScheduledRun().IsZero())
	first <- time.Now()
	<-runner.done

	// loop is waiting on the next fire time again
	<-timers
	cancel()
	<-stopped

	require.Equal(t, 1, runner.Calls())

	recorded := runs.all()
	require.Len(t, recorded, 1)
	require.Equal(t, TriggerSchedule, recorded[0].Trigger)
	require.Equal(t, RunStatusCompleted, recorded[0].Status)
	require.Equal(t, 2, recorded[0].Items)
	require.Equal(t, 1, recorded[0].Accepted)
	require.Equal(t, 1, recorded[0].Lapsed)
	require.NotNil(t, recorded[0].FinishedAt)
}

func TestProcessor_StopsWithoutPass(t *testing.T) {
	runner := &stubRunner{}
	p, timers := newTestProcessor(t, runner, &memRuns{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(stopped)
	}()

	<-timers
	cancel()
	<-stopped
	require.Zero(t, runner.Calls())
}

func TestProcessor_ManualTrigger(t *testing.T) {
	runner := &stubRunner{done: make(chan struct{}, 1)}
	runs := &memRuns{}
	p, timers := newTestProcessor(t, runner, runs)

	require.True(t, p.Trigger())
	require.False(t, p.Trigger(), "second trigger coalesces with the queued one")

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(stopped)
	}()

	<-timers
	<-runner.done
	<-timers
	cancel()
	<-stopped

	require.Equal(t, 1, runner.Calls())
	recorded := runs.all()
	require.Len(t, recorded, 1)
	require.Equal(t, TriggerManual, recorded[0].Trigger)
}

func TestProcessor_PassFailures(t *testing.T) {
	tests := []struct {
		name    string
		runner  *stubRunner
		message string
	}{
		{
			name:    "error",
			runner:  &stubRunner{err: errors.New("database is locked")},
			message: "database is locked",
		},
		{
			name:    "panic",
			runner:  &stubRunner{panics: true},
			message: "panicked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &memRuns{}
			p, _ := newTestProcessor(t, tt.runner, runs)

			require.NotPanics(t, func() {
				p.runPass(context.Background(), TriggerManual)
			})

			recorded := runs.all()
			require.Len(t, recorded, 1)
			require.Equal(t, RunStatusFailed, recorded[0].Status)
			require.Contains(t, recorded[0].Error, tt.message)
		})
	}
}

func TestProcessor_ManualOnly(t *testing.T) {
	runner := &stubRunner{done: make(chan struct{}, 1)}
	p := NewProcessor(runner, &memRuns{}, nil, time.UTC)
	p.after = func(d time.Duration) (<-chan time.Time, func()) {
		t.Error("no timer without a schedule")
		return nil, func() {}
	}
	require.True(t, p.NextRun(time.Now()).IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(stopped)
	}()

	require.True(t, p.Trigger())
	<-runner.done
	cancel()
	<-stopped
	require.Equal(t, 1, runner.Calls())
	require.True(t, p.ScheduledRun().IsZero())
}
