package accounting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/broker/pkg/engine"
)

// memorySink records batches and can fail the next N writes.
type memorySink struct {
	mu       sync.Mutex
	batches  [][]*engine.UsageRecord
	failNext int
	writes   int
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(_ context.Context, batch []*engine.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failNext > 0 {
		m.failNext--
		return errors.New("sink unavailable")
	}
	m.batches = append(m.batches, append([]*engine.UsageRecord(nil), batch...))
	return nil
}

func (m *memorySink) records() []*engine.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*engine.UsageRecord
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func (m *memorySink) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, b := range m.batches {
		out = append(out, len(b))
	}
	return out
}

func records(n int) []*engine.UsageRecord {
	out := make([]*engine.UsageRecord, n)
	for i := range out {
		out[i] = &engine.UsageRecord{
			ID:         fmt.Sprintf("rec-%d", i),
			ResourceID: "res-1",
			AccountID:  "acme",
			Dimension:  engine.DimensionCPUHours,
			Period:     "2026-04",
			Quantity:   float64(i + 1),
			Kind:       engine.UsageKindSample,
			SampleKey:  fmt.Sprintf("key-%d", i),
			RecordedAt: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func TestStream_BatchesBySize(t *testing.T) {
	sink := &memorySink{}
	s := NewStream(Config{BufferSize: 100, BatchSize: 5, FlushInterval: time.Hour}, []Sink{sink})
	s.Start()

	s.PublishUsage(records(10))

	require.Eventually(t, func() bool { return len(sink.records()) == 10 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{5, 5}, sink.batchSizes())

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestStream_FlushesOnInterval(t *testing.T) {
	sink := &memorySink{}
	s := NewStream(Config{BufferSize: 100, BatchSize: 50, FlushInterval: 20 * time.Millisecond}, []Sink{sink})
	s.Start()
	defer func() { _ = s.Shutdown(context.Background()) }()

	s.PublishUsage(records(3))

	require.Eventually(t, func() bool { return len(sink.records()) == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestStream_ShutdownDrainsBuffer(t *testing.T) {
	sink := &memorySink{}
	s := NewStream(Config{BufferSize: 100, BatchSize: 50, FlushInterval: time.Hour}, []Sink{sink})

	// Not started: everything sits in the buffer until shutdown drains it.
	s.PublishUsage(records(7))
	require.NoError(t, s.Shutdown(context.Background()))

	got := sink.records()
	require.Len(t, got, 7)
	assert.Equal(t, "rec-0", got[0].ID)
	assert.Equal(t, "rec-6", got[6].ID)

	// Records published after shutdown are dropped.
	s.PublishUsage(records(1))
	assert.Equal(t, int64(1), s.Dropped())
}

func TestStream_DropsWhenBufferFull(t *testing.T) {
	sink := &memorySink{}
	s := NewStream(Config{BufferSize: 2, BatchSize: 10, FlushInterval: time.Hour}, []Sink{sink},
		WithLogger(zerolog.Nop()))

	s.PublishUsage(records(5))
	assert.Equal(t, int64(3), s.Dropped())

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Len(t, sink.records(), 2)
}

func TestStream_RetriesFailedSink(t *testing.T) {
	flaky := &memorySink{failNext: 1}
	healthy := &memorySink{}
	s := NewStream(Config{BufferSize: 10, BatchSize: 2, FlushInterval: time.Hour}, []Sink{flaky, healthy})
	s.Start()

	s.PublishUsage(records(2))

	require.Eventually(t, func() bool { return len(flaky.records()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, healthy.records(), 2)
	flaky.mu.Lock()
	assert.Equal(t, 2, flaky.writes)
	flaky.mu.Unlock()

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestStream_GivesUpAfterAttempts(t *testing.T) {
	broken := &memorySink{failNext: 100}
	healthy := &memorySink{}
	s := NewStream(Config{BufferSize: 10, BatchSize: 1, FlushInterval: time.Hour}, []Sink{broken, healthy})
	s.Start()

	s.PublishUsage(records(1))

	require.Eventually(t, func() bool { return len(healthy.records()) == 1 }, 10*time.Second, 10*time.Millisecond)
	broken.mu.Lock()
	assert.Equal(t, writeAttempts, broken.writes)
	broken.mu.Unlock()

	require.NoError(t, s.Shutdown(context.Background()))
}
