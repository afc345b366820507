package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/validator-cli/internal/model"
)

type stubSource struct {
	mu      sync.Mutex
	configs []model.ServiceConfig
	err     error
}

func (s *stubSource) ListEnabledConfigs(ctx context.Context) ([]model.ServiceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs, s.err
}

func (s *stubSource) set(configs []model.ServiceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = configs
}

func intervalConfig(minutes int) model.ServiceConfig {
	return model.ServiceConfig{
		ConfigID:        uuid.New(),
		ConfigName:      "cfg",
		IntervalMinutes: minutes,
		Enabled:         true,
	}
}

func TestScheduleIntervalAndCron(t *testing.T) {
	s := New(context.Background(), nil, RunnerFunc(func(ctx context.Context, cfg model.ServiceConfig) {}), 0)

	cfg := intervalConfig(15)
	require.NoError(t, s.Schedule(cfg))
	assert.True(t, s.Scheduled(cfg.ConfigID))

	cronCfg := model.ServiceConfig{
		ConfigID:     uuid.New(),
		ConfigName:   "nightly",
		ScheduleCron: "0 2 * * *",
	}
	require.NoError(t, s.Schedule(cronCfg))
	assert.True(t, s.Scheduled(cronCfg.ConfigID))
}

func TestScheduleRejectsMissingSchedule(t *testing.T) {
	s := New(context.Background(), nil, RunnerFunc(func(ctx context.Context, cfg model.ServiceConfig) {}), 0)

	err := s.Schedule(intervalConfig(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schedule")
}

func TestScheduleRejectsBadCronSpec(t *testing.T) {
	s := New(context.Background(), nil, RunnerFunc(func(ctx context.Context, cfg model.ServiceConfig) {}), 0)

	err := s.Schedule(model.ServiceConfig{
		ConfigID:     uuid.New(),
		ConfigName:   "broken",
		ScheduleCron: "not a cron spec",
	})
	require.Error(t, err)
	assert.False(t, s.Scheduled(uuid.Nil))
}

func TestScheduleReplacesExistingEntry(t *testing.T) {
	var firstRuns, secondRuns atomic.Int32
	configID := uuid.New()

	s := New(context.Background(), nil, RunnerFunc(func(ctx context.Context, cfg model.ServiceConfig) {
		if cfg.ConfigName == "first" {
			firstRuns.Add(1)
		} else {
			secondRuns.Add(1)
		}
	}), 0)

	first := model.ServiceConfig{ConfigID: configID, ConfigName: "first", ScheduleCron: "@every 10ms"}
	require.NoError(t, s.Schedule(first))

	second := model.ServiceConfig{ConfigID: configID, ConfigName: "second", ScheduleCron: "@every 10ms"}
	require.NoError(t, s.Schedule(second))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return secondRuns.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	// The replaced entry never fires.
	assert.Zero(t, firstRuns.Load())
}

func TestUnscheduleStopsFiring(t *testing.T) {
	var runs atomic.Int32
	cfg := model.ServiceConfig{ConfigID: uuid.New(), ConfigName: "cfg", ScheduleCron: "@every 10ms"}

	s := New(context.Background(), nil, RunnerFunc(func(ctx context.Context, cfg model.ServiceConfig) {
		runs.Add(1)
	}), 0)
	require.NoError(t, s.Schedule(cfg))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	s.Unschedule(cfg.ConfigID)
	assert.False(t, s.Scheduled(cfg.ConfigID))

	settled := runs.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, runs.Load(), settled+1, "at most one already-queued tick after unschedule")
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	cfg := model.ServiceConfig{ConfigID: uuid.New(), ConfigName: "slow", ScheduleCron: "@every 10ms"}

	s := New(context.Background(), nil, RunnerFunc(func(ctx context.Context, cfg model.ServiceConfig) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
	}), 0)
	require.NoError(t, s.Schedule(cfg))

	s.Start()
	time.Sleep(300 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), maxInFlight.Load(), "ticks must not overlap per configuration")
}

func TestReconcileSchedulesNewConfigs(t *testing.T) {
	source := &stubSource{}
	s := New(context.Background(), source, RunnerFunc(func(ctx context.Context, cfg model.ServiceConfig) {}), 0)

	cfg := intervalConfig(30)
	source.set([]model.ServiceConfig{cfg})

	require.NoError(t, s.Reconcile(context.Background()))
	assert.True(t, s.Scheduled(cfg.ConfigID))

	// A second reconcile leaves the existing entry alone.
	require.NoError(t, s.Reconcile(context.Background()))
	assert.True(t, s.Scheduled(cfg.ConfigID))

	other := intervalConfig(5)
	source.set([]model.ServiceConfig{cfg, other})
	require.NoError(t, s.Reconcile(context.Background()))
	assert.True(t, s.Scheduled(other.ConfigID))
}

func TestReconcileSkipsUnschedulableConfig(t *testing.T) {
	source := &stubSource{}
	s := New(context.Background(), source, RunnerFunc(func(ctx context.Context, cfg model.ServiceConfig) {}), 0)

	good := intervalConfig(10)
	bad := intervalConfig(0)
	source.set([]model.ServiceConfig{bad, good})

	require.NoError(t, s.Reconcile(context.Background()))
	assert.True(t, s.Scheduled(good.ConfigID))
	assert.False(t, s.Scheduled(bad.ConfigID))
}

func TestReconcileLoopPicksUpConfigs(t *testing.T) {
	source := &stubSource{}
	s := New(context.Background(), source, RunnerFunc(func(ctx context.Context, cfg model.ServiceConfig) {}), 20*time.Millisecond)

	s.Start()
	defer s.Stop()

	cfg := intervalConfig(60)
	source.set([]model.ServiceConfig{cfg})

	assert.Eventually(t, func() bool { return s.Scheduled(cfg.ConfigID) }, 2*time.Second, 10*time.Millisecond)
}

func TestRunnerPanicDoesNotKillScheduler(t *testing.T) {
	var runs atomic.Int32
	cfg := model.ServiceConfig{ConfigID: uuid.New(), ConfigName: "panicky", ScheduleCron: "@every 10ms"}

	s := New(context.Background(), nil, RunnerFunc(func(ctx context.Context, cfg model.ServiceConfig) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	}), 0)
	require.NoError(t, s.Schedule(cfg))

	s.Start()
	defer s.Stop()

	// Later ticks keep firing after the first one panicked.
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}
