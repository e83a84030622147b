package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/parallax-avatar/internal/batch"
	"github.com/cuongbtq/parallax-avatar/internal/grid"
)

type fakeWriter struct {
	mu       sync.Mutex
	started  []*Batch
	frames   []*Frame
	images   [][]byte
	statuses []string
	messages []string
	evicts   []int
	failAll  bool
}

func (f *fakeWriter) fail() error {
	if f.failAll {
		return errors.New("db down")
	}
	return nil
}

func (f *fakeWriter) StartBatch(_ context.Context, b *Batch, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, b)
	return f.fail()
}

func (f *fakeWriter) SaveFrame(_ context.Context, fr *Frame, image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	f.images = append(f.images, image)
	return f.fail()
}

func (f *fakeWriter) UpdateStatus(_ context.Context, _ string, status, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	f.messages = append(f.messages, msg)
	return f.fail()
}

func (f *fakeWriter) EvictOldest(_ context.Context, keep int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicts = append(f.evicts, keep)
	return 0, f.fail()
}

// gatedWriter holds every SaveFrame until release is closed
type gatedWriter struct {
	fakeWriter
	release chan struct{}
}

func (g *gatedWriter) SaveFrame(ctx context.Context, fr *Frame, image []byte) error {
	<-g.release
	return g.fakeWriter.SaveFrame(ctx, fr, image)
}

func feed(events ...batch.Event) <-chan batch.Event {
	ch := make(chan batch.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func drain(ch <-chan batch.Event) []batch.Event {
	var out []batch.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func testJob() batch.Job {
	return batch.Job{BatchID: testBatchID, XSteps: 2, YSteps: 1, Prefix: "avatar", Source: []byte("photo")}
}

func TestRecorder_PersistsCompletedBatch(t *testing.T) {
	writer := &fakeWriter{}
	rec := NewRecorder(writer, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))

	spec := grid.FrameSpec{Index: 1, Filename: "avatar_px15_py0.webp", PupilX: 15}
	in := feed(
		batch.ConfigEvent{XSteps: 2, YSteps: 1, Prefix: "avatar", TotalFrames: 2, EstimatedCost: 0.02},
		batch.ProgressEvent{Completed: 1, Total: 2, Index: 1, Spec: spec, Image: []byte("img"), Status: batch.StatusOK, Attempts: 1},
		batch.ProgressEvent{Completed: 2, Total: 2, Index: 0, Status: batch.StatusFailed, Attempts: 6, Error: "429"},
		batch.CompleteEvent{},
	)

	out := drain(rec.Observe(context.Background(), testJob(), in))
	require.Len(t, out, 4)

	require.Len(t, writer.started, 1)
	assert.Equal(t, testBatchID, writer.started[0].BatchID)
	assert.Equal(t, 2, writer.started[0].TotalFrames)

	require.Len(t, writer.frames, 2)
	assert.Equal(t, "avatar_px15_py0.webp", writer.frames[0].Filename)
	assert.Equal(t, 15.0, writer.frames[0].PupilX)
	assert.Equal(t, []byte("img"), writer.images[0])
	assert.Equal(t, "failed", writer.frames[1].Status)
	assert.Equal(t, "429", writer.frames[1].ErrorMessage)

	assert.Equal(t, []string{StatusCompleted}, writer.statuses)
	assert.Equal(t, []int{10}, writer.evicts)
}

func TestRecorder_ErrorEventMarksFailed(t *testing.T) {
	writer := &fakeWriter{}
	rec := NewRecorder(writer, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	drain(rec.Observe(context.Background(), testJob(), feed(
		batch.ConfigEvent{TotalFrames: 2},
		batch.ErrorEvent{Message: "worker 0 panicked"},
	)))

	assert.Equal(t, []string{StatusFailed}, writer.statuses)
	assert.Equal(t, []string{"worker 0 panicked"}, writer.messages)
	assert.Empty(t, writer.evicts)
}

func TestRecorder_InterruptedStream(t *testing.T) {
	writer := &fakeWriter{}
	rec := NewRecorder(writer, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))

	drain(rec.Observe(context.Background(), testJob(), feed(batch.ConfigEvent{TotalFrames: 2})))

	assert.Equal(t, []string{StatusFailed}, writer.statuses)
	assert.Contains(t, writer.messages[0], "interrupted")
	assert.Empty(t, writer.evicts, "an interrupted batch may be requeued and must survive eviction")
}

func TestRecorder_WriteFailuresDoNotBreakStream(t *testing.T) {
	writer := &fakeWriter{failAll: true}
	rec := NewRecorder(writer, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))

	out := drain(rec.Observe(context.Background(), testJob(), feed(
		batch.ConfigEvent{TotalFrames: 1},
		batch.ProgressEvent{Completed: 1, Total: 1, Status: batch.StatusOK},
		batch.CompleteEvent{},
	)))
	assert.Len(t, out, 3)
}

func TestRecorder_KeepsRecordingAfterConsumerLeaves(t *testing.T) {
	writer := &fakeWriter{}
	rec := NewRecorder(writer, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := rec.Observe(ctx, testJob(), feed(
		batch.ConfigEvent{TotalFrames: 1},
		batch.ProgressEvent{Completed: 1, Total: 1, Status: batch.StatusOK, Image: []byte("x")},
		batch.CompleteEvent{},
	))
	drain(out)

	assert.Len(t, writer.started, 1)
	assert.Len(t, writer.frames, 1)
	assert.Equal(t, []string{StatusCompleted}, writer.statuses)
}

func TestRecorder_SlowWritesDoNotDelayStream(t *testing.T) {
	writer := &gatedWriter{release: make(chan struct{})}
	rec := NewRecorder(writer, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))

	job := testJob()
	job.XSteps = 4
	events := []batch.Event{batch.ConfigEvent{XSteps: 4, YSteps: 1, TotalFrames: 4}}
	for i := range 4 {
		events = append(events, batch.ProgressEvent{Completed: i + 1, Total: 4, Index: i, Status: batch.StatusOK, Image: []byte("img")})
	}
	events = append(events, batch.CompleteEvent{})

	out := rec.Observe(context.Background(), job, feed(events...))

	deadline := time.After(2 * time.Second)
	var received []batch.Event
	for len(received) < len(events) {
		select {
		case ev := <-out:
			received = append(received, ev)
		case <-deadline:
			t.Fatalf("only %d of %d events delivered while frame writes were blocked", len(received), len(events))
		}
	}
	assert.True(t, batch.IsTerminal(received[len(received)-1]))

	writer.mu.Lock()
	assert.Empty(t, writer.frames)
	writer.mu.Unlock()

	close(writer.release)
	assert.Empty(t, drain(out))

	assert.Len(t, writer.frames, 4)
	assert.Equal(t, []string{StatusCompleted}, writer.statuses)
	assert.Equal(t, []int{10}, writer.evicts)
}
