package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/parallax-avatar/internal/grid"
	"github.com/cuongbtq/parallax-avatar/internal/replicate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callerFunc adapts a function to FrameCaller
type callerFunc func(ctx context.Context, source []byte, spec grid.FrameSpec) ([]byte, error)

func (f callerFunc) CallFrame(ctx context.Context, source []byte, spec grid.FrameSpec) ([]byte, error) {
	return f(ctx, source, spec)
}

// sleepRecorder records requested backoff delays without waiting
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newJob(x, y int) Job {
	return Job{
		BatchID: "batch-1",
		XSteps:  x,
		YSteps:  y,
		Prefix:  "avatar",
		Source:  []byte("photo"),
		Specs:   grid.Generate(x, y, grid.Bounds{Rotate: 20, Pupil: 15}, grid.RenderParams{OutputFormat: "webp"}, "avatar"),
	}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for batch events")
			return got
		}
	}
}

func progressEvents(events []Event) []ProgressEvent {
	var out []ProgressEvent
	for _, ev := range events {
		if p, ok := ev.(ProgressEvent); ok {
			out = append(out, p)
		}
	}
	return out
}

func TestOrchestrator_EventSequence(t *testing.T) {
	caller := callerFunc(func(_ context.Context, _ []byte, spec grid.FrameSpec) ([]byte, error) {
		return []byte(fmt.Sprintf("frame-%d", spec.Index)), nil
	})
	o := NewOrchestrator(caller, DefaultPolicy(), testLogger(), WithCostPerFrame(0.01))

	events := collect(t, o.Run(context.Background(), newJob(3, 2)))
	require.Len(t, events, 8)

	cfg, ok := events[0].(ConfigEvent)
	require.True(t, ok)
	assert.Equal(t, 3, cfg.XSteps)
	assert.Equal(t, 2, cfg.YSteps)
	assert.Equal(t, "avatar", cfg.Prefix)
	assert.Equal(t, 6, cfg.TotalFrames)
	assert.InDelta(t, 0.06, cfg.EstimatedCost, 1e-9)

	_, ok = events[len(events)-1].(CompleteEvent)
	assert.True(t, ok)

	progress := progressEvents(events)
	require.Len(t, progress, 6)

	seen := make(map[int]bool)
	for i, p := range progress {
		assert.Equal(t, i+1, p.Completed)
		assert.Equal(t, 6, p.Total)
		assert.Equal(t, StatusOK, p.Status)
		assert.Equal(t, 1, p.Attempts)
		assert.Equal(t, []byte(fmt.Sprintf("frame-%d", p.Index)), p.Image)
		assert.Equal(t, p.Index, p.Spec.Index)
		assert.False(t, seen[p.Index], "frame %d reported twice", p.Index)
		seen[p.Index] = true
	}
	assert.Len(t, seen, 6)
}

func TestOrchestrator_EmptyJob(t *testing.T) {
	o := NewOrchestrator(callerFunc(nil), DefaultPolicy(), testLogger())

	events := collect(t, o.Run(context.Background(), Job{BatchID: "empty"}))
	require.Len(t, events, 2)
	assert.IsType(t, ConfigEvent{}, events[0])
	assert.IsType(t, CompleteEvent{}, events[1])
}

func TestOrchestrator_BoundedConcurrency(t *testing.T) {
	const concurrency = 3
	var inFlight, maxInFlight atomic.Int32

	caller := callerFunc(func(_ context.Context, _ []byte, _ grid.FrameSpec) ([]byte, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return []byte("ok"), nil
	})

	policy := DefaultPolicy()
	policy.Concurrency = concurrency
	o := NewOrchestrator(caller, policy, testLogger())

	events := collect(t, o.Run(context.Background(), newJob(4, 4)))
	assert.Len(t, progressEvents(events), 16)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(concurrency))
	assert.Positive(t, maxInFlight.Load())
}

func TestOrchestrator_PoolSize(t *testing.T) {
	tests := []struct {
		name        string
		x, y        int
		concurrency int
		wantWorkers int
	}{
		{name: "3x3 with concurrency 8", x: 3, y: 3, concurrency: 8, wantWorkers: 8},
		{name: "fewer frames than workers", x: 1, y: 3, concurrency: 8, wantWorkers: 3},
		{name: "single frame", x: 1, y: 1, concurrency: 8, wantWorkers: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := DefaultPolicy()
			policy.Concurrency = tt.concurrency
			assert.Equal(t, tt.wantWorkers, policy.Workers(tt.x*tt.y))

			// every worker blocks until the pool is saturated
			var inFlight atomic.Int32
			saturated := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once
			caller := callerFunc(func(ctx context.Context, _ []byte, _ grid.FrameSpec) ([]byte, error) {
				if inFlight.Add(1) == int32(tt.wantWorkers) {
					once.Do(func() { close(saturated) })
				}
				select {
				case <-release:
				case <-ctx.Done():
				}
				return []byte("ok"), nil
			})

			o := NewOrchestrator(caller, policy, testLogger())
			events := o.Run(context.Background(), newJob(tt.x, tt.y))
			<-events // config

			select {
			case <-saturated:
			case <-time.After(5 * time.Second):
				t.Fatal("pool never saturated")
			}
			assert.Equal(t, int32(tt.wantWorkers), inFlight.Load())
			close(release)

			rest := collect(t, events)
			assert.Len(t, progressEvents(rest), tt.x*tt.y)
		})
	}
}

func TestOrchestrator_RetriesRateLimitedFrame(t *testing.T) {
	const failures = 3
	var calls atomic.Int32

	caller := callerFunc(func(_ context.Context, _ []byte, _ grid.FrameSpec) ([]byte, error) {
		if calls.Add(1) <= failures {
			return nil, &replicate.RetryableError{Err: &replicate.APIError{StatusCode: 429}}
		}
		return []byte("ok"), nil
	})
	sleeper := &sleepRecorder{}
	o := NewOrchestrator(caller, DefaultPolicy(), testLogger(), WithSleep(sleeper.sleep))

	events := collect(t, o.Run(context.Background(), newJob(1, 1)))
	progress := progressEvents(events)
	require.Len(t, progress, 1)
	assert.Equal(t, StatusOK, progress[0].Status)
	assert.Equal(t, failures+1, progress[0].Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, sleeper.recorded())
	assert.IsType(t, CompleteEvent{}, events[len(events)-1])
}

func TestOrchestrator_RetriesPlain429Message(t *testing.T) {
	var calls atomic.Int32
	caller := callerFunc(func(_ context.Context, _ []byte, _ grid.FrameSpec) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("upstream returned status 429")
		}
		return []byte("ok"), nil
	})
	sleeper := &sleepRecorder{}
	o := NewOrchestrator(caller, DefaultPolicy(), testLogger(), WithSleep(sleeper.sleep))

	progress := progressEvents(collect(t, o.Run(context.Background(), newJob(1, 1))))
	require.Len(t, progress, 1)
	assert.Equal(t, StatusOK, progress[0].Status)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.recorded())
}

func TestOrchestrator_FailedPredictionNotRetried(t *testing.T) {
	var calls atomic.Int32
	caller := callerFunc(func(_ context.Context, _ []byte, _ grid.FrameSpec) ([]byte, error) {
		calls.Add(1)
		return nil, &replicate.PredictionError{ID: "x9a429kq", Status: "failed", Detail: "CUDA out of memory"}
	})
	sleeper := &sleepRecorder{}
	o := NewOrchestrator(caller, DefaultPolicy(), testLogger(), WithSleep(sleeper.sleep))

	progress := progressEvents(collect(t, o.Run(context.Background(), newJob(1, 1))))
	require.Len(t, progress, 1)
	assert.Equal(t, StatusFailed, progress[0].Status)
	assert.Equal(t, 1, progress[0].Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, sleeper.recorded())
}

func TestOrchestrator_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	caller := callerFunc(func(_ context.Context, _ []byte, spec grid.FrameSpec) ([]byte, error) {
		if spec.Index == 0 {
			calls.Add(1)
			return nil, &replicate.RetryableError{Err: &replicate.APIError{StatusCode: 429}}
		}
		return []byte("ok"), nil
	})
	sleeper := &sleepRecorder{}
	o := NewOrchestrator(caller, DefaultPolicy(), testLogger(), WithSleep(sleeper.sleep))

	events := collect(t, o.Run(context.Background(), newJob(2, 1)))
	progress := progressEvents(events)
	require.Len(t, progress, 2)

	var failed []ProgressEvent
	for _, p := range progress {
		if p.Status == StatusFailed {
			failed = append(failed, p)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, 0, failed[0].Index)
	assert.Nil(t, failed[0].Image)
	assert.Equal(t, DefaultMaxRetries+1, failed[0].Attempts)
	assert.NotEmpty(t, failed[0].Error)

	assert.Equal(t, int32(DefaultMaxRetries+1), calls.Load())
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second,
	}, sleeper.recorded())
	assert.IsType(t, CompleteEvent{}, events[len(events)-1])
}

func TestOrchestrator_TerminalErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	caller := callerFunc(func(_ context.Context, _ []byte, _ grid.FrameSpec) ([]byte, error) {
		calls.Add(1)
		return nil, &replicate.APIError{StatusCode: 500, Detail: "boom"}
	})
	sleeper := &sleepRecorder{}
	o := NewOrchestrator(caller, DefaultPolicy(), testLogger(), WithSleep(sleeper.sleep))

	events := collect(t, o.Run(context.Background(), newJob(1, 1)))
	progress := progressEvents(events)
	require.Len(t, progress, 1)
	assert.Equal(t, StatusFailed, progress[0].Status)
	assert.Equal(t, 1, progress[0].Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, sleeper.recorded())
	assert.IsType(t, CompleteEvent{}, events[len(events)-1])
}

func TestOrchestrator_AttemptTimeout(t *testing.T) {
	caller := callerFunc(func(ctx context.Context, _ []byte, _ grid.FrameSpec) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	policy := DefaultPolicy()
	policy.AttemptTimeout = 10 * time.Millisecond
	o := NewOrchestrator(caller, policy, testLogger())

	events := collect(t, o.Run(context.Background(), newJob(1, 1)))
	progress := progressEvents(events)
	require.Len(t, progress, 1)
	assert.Equal(t, StatusFailed, progress[0].Status)
	assert.Contains(t, progress[0].Error, context.DeadlineExceeded.Error())
	assert.IsType(t, CompleteEvent{}, events[len(events)-1])
}

func TestOrchestrator_PanicEmitsErrorEvent(t *testing.T) {
	caller := callerFunc(func(_ context.Context, _ []byte, spec grid.FrameSpec) ([]byte, error) {
		if spec.Index == 1 {
			panic("decoder exploded")
		}
		return []byte("ok"), nil
	})
	policy := DefaultPolicy()
	policy.Concurrency = 1
	o := NewOrchestrator(caller, policy, testLogger())

	events := collect(t, o.Run(context.Background(), newJob(3, 1)))
	require.NotEmpty(t, events)

	last, ok := events[len(events)-1].(ErrorEvent)
	require.True(t, ok, "expected error event, got %T", events[len(events)-1])
	assert.Contains(t, last.Message, "decoder exploded")
	for _, ev := range events {
		assert.NotEqual(t, CompleteEvent{BatchID: "batch-1"}, ev)
	}
	assert.Len(t, progressEvents(events), 1)
}

func TestOrchestrator_CancelClosesWithoutTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var once sync.Once
	caller := callerFunc(func(ctx context.Context, _ []byte, _ grid.FrameSpec) ([]byte, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := NewOrchestrator(caller, DefaultPolicy(), testLogger())

	events := o.Run(ctx, newJob(2, 2))
	first := <-events
	assert.IsType(t, ConfigEvent{}, first)

	<-started
	cancel()

	rest := collect(t, events)
	for _, ev := range rest {
		assert.False(t, IsTerminal(ev), "unexpected terminal event %T", ev)
	}
}

func TestOrchestrator_CancelInterruptsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caller := callerFunc(func(_ context.Context, _ []byte, _ grid.FrameSpec) ([]byte, error) {
		return nil, &replicate.RetryableError{Err: errors.New("429")}
	})
	policy := DefaultPolicy()
	policy.InitialBackoff = time.Hour
	policy.MaxBackoff = time.Hour
	o := NewOrchestrator(caller, policy, testLogger())

	events := o.Run(ctx, newJob(1, 1))
	<-events
	time.AfterFunc(20*time.Millisecond, cancel)

	rest := collect(t, events)
	assert.Empty(t, rest)
}

func TestOrchestrator_RateLimiter(t *testing.T) {
	caller := callerFunc(func(_ context.Context, _ []byte, _ grid.FrameSpec) ([]byte, error) {
		return []byte("ok"), nil
	})
	policy := DefaultPolicy()
	policy.RequestsPerSecond = 50
	o := NewOrchestrator(caller, policy, testLogger())

	start := time.Now()
	events := collect(t, o.Run(context.Background(), newJob(2, 2)))
	assert.Len(t, progressEvents(events), 4)
	// burst of one, then three more tokens at 20ms each
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPolicy_Backoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{name: "first retry", policy: DefaultPolicy(), attempt: 0, want: 5 * time.Second},
		{name: "second retry", policy: DefaultPolicy(), attempt: 1, want: 10 * time.Second},
		{name: "fourth retry", policy: DefaultPolicy(), attempt: 3, want: 40 * time.Second},
		{name: "capped", policy: DefaultPolicy(), attempt: 4, want: 60 * time.Second},
		{name: "huge attempt stays capped", policy: DefaultPolicy(), attempt: 5000, want: 60 * time.Second},
		{name: "negative attempt", policy: DefaultPolicy(), attempt: -1, want: 5 * time.Second},
		{
			name:    "custom policy",
			policy:  Policy{InitialBackoff: time.Second, Multiplier: 3, MaxBackoff: time.Minute},
			attempt: 2,
			want:    9 * time.Second,
		},
		{name: "zero policy uses defaults", policy: Policy{}, attempt: 1, want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Backoff(tt.attempt))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(ConfigEvent{}))
	assert.False(t, IsTerminal(ProgressEvent{}))
	assert.True(t, IsTerminal(CompleteEvent{}))
	assert.True(t, IsTerminal(ErrorEvent{}))
}

func TestNewJob(t *testing.T) {
	bounds := grid.Bounds{Rotate: 20, Pupil: 15}
	render := grid.RenderParams{OutputFormat: "webp"}

	job, err := NewJob("b1", 3, 2, "me", []byte("src"), bounds, render)
	require.NoError(t, err)
	assert.Equal(t, "b1", job.BatchID)
	assert.Len(t, job.Specs, 6)
	assert.Equal(t, "me_px-15_py-15.webp", job.Specs[0].Filename)

	_, err = NewJob("b2", 0, 2, "me", nil, bounds, render)
	assert.ErrorIs(t, err, grid.ErrInvalidSteps)

	o := NewOrchestrator(callerFunc(nil), DefaultPolicy(), testLogger(), WithCostPerFrame(0.01))
	assert.InDelta(t, 0.06, o.EstimatedCost(len(job.Specs)), 1e-9)
}
