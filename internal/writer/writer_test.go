package writer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomvit/yamc-go/internal/component"
	"github.com/tomvit/yamc-go/internal/errs"
	"github.com/tomvit/yamc-go/internal/logging"
)

type fakeSink struct {
	mu       sync.Mutex
	healthy  bool
	written  []Envelope
	batches  [][]Envelope
	failNext error
}

func (f *fakeSink) Healthcheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return errs.NewHealthCheck("fake sink", assertErr)
	}
	return nil
}

func (f *fakeSink) DoWrite(ctx context.Context, batch []Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.written = append(f.written, batch...)
	f.batches = append(f.batches, append([]Envelope{}, batch...))
	return nil
}

func (f *fakeSink) Batches() [][]Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]Envelope, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *fakeSink) Written() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, len(f.written))
	copy(out, f.written)
	return out
}

var assertErr = &testError{"unhealthy"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

func testLogger() logging.Logger {
	return logging.New(logging.Options{})
}

func TestWriterDeliversQueuedEnvelope(t *testing.T) {
	sink := &fakeSink{healthy: true}
	w := New("w1", true, testLogger(), sink, Config{
		WriteInterval: 20 * time.Millisecond,
		Test:          true,
	})
	exit := component.NewExitSignal()
	w.Start(exit)
	defer exit.Trigger()

	w.Write(Envelope{CollectorID: "c1", Data: map[string]any{"v": 1}})

	require.Eventually(t, func() bool {
		return len(sink.Written()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWriterSpillsToBacklogWhenUnhealthy(t *testing.T) {
	sink := &fakeSink{healthy: false}
	w := New("w2", true, testLogger(), sink, Config{
		WriteInterval:       20 * time.Millisecond,
		HealthcheckInterval: time.Hour,
		Test:                true,
	})
	w.healthy = false
	w.lastHealthTime = time.Now()

	w.Write(Envelope{CollectorID: "c1", Data: map[string]any{"v": 1}})

	assert.Equal(t, 1, w.backlog.Size())
	assert.Empty(t, sink.Written())
}

func TestWriterDoWriteHealthCheckErrorSpillsBatch(t *testing.T) {
	sink := &fakeSink{healthy: true, failNext: errs.NewHealthCheck("op", assertErr)}
	w := New("w3", true, testLogger(), sink, Config{
		WriteInterval: 20 * time.Millisecond,
		Test:          true,
	})
	exit := component.NewExitSignal()
	w.Start(exit)
	defer exit.Trigger()

	w.Write(Envelope{CollectorID: "c1", Data: map[string]any{"v": 1}})

	require.Eventually(t, func() bool {
		return w.backlog.Size() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWriterNeverExceedsBatchSize(t *testing.T) {
	sink := &fakeSink{healthy: true}
	w := New("w4", true, testLogger(), sink, Config{
		WriteInterval: 20 * time.Millisecond,
		BatchSize:     100,
		QueueCapacity: 1000,
		Test:          true,
	})
	exit := component.NewExitSignal()
	w.Start(exit)
	defer exit.Trigger()

	for i := 0; i < 250; i++ {
		w.Write(Envelope{CollectorID: "c1", Data: map[string]any{"i": i}})
	}

	require.Eventually(t, func() bool {
		return len(sink.Written()) == 250
	}, 5*time.Second, 10*time.Millisecond)

	prev := -1
	for _, batch := range sink.Batches() {
		assert.LessOrEqual(t, len(batch), 100)
		for _, env := range batch {
			i := env.Data["i"].(int)
			assert.Greater(t, i, prev, "envelopes must arrive in enqueue order")
			prev = i
		}
	}
}

func TestWriterShutdownLeavesNoEnvelopeBehind(t *testing.T) {
	sink := &fakeSink{healthy: true}
	w := New("w5", true, testLogger(), sink, Config{
		WriteInterval: time.Hour, // the worker only wakes on notify or exit
		BatchSize:     2,
		Test:          true,
	})
	exit := component.NewExitSignal()
	w.Start(exit)

	for i := 0; i < 5; i++ {
		w.Write(Envelope{CollectorID: "c1", Data: map[string]any{"i": i}})
	}
	exit.Trigger()
	w.Join()

	// Shutdown tries one more bounded drain and spills the rest, so
	// every envelope ends up delivered or backlogged, never dropped.
	assert.Equal(t, 5, len(sink.Written())+w.backlog.Size())
	for _, batch := range sink.Batches() {
		assert.LessOrEqual(t, len(batch), 2)
	}
}

func TestBacklogProcessRedeliversInOrderAndEmpties(t *testing.T) {
	b := NewBacklog("", "w1", true)
	b.Put([]Envelope{
		{CollectorID: "c1", Data: map[string]any{"i": 0}},
		{CollectorID: "c1", Data: map[string]any{"i": 1}},
	})
	b.Put([]Envelope{{CollectorID: "c1", Data: map[string]any{"i": 2}}})

	var got []int
	b.Process(context.Background(), 2, func(_ context.Context, batch []Envelope) error {
		for _, env := range batch {
			got = append(got, env.Data["i"].(int))
		}
		return nil
	})

	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, 0, b.Size())
}

func TestBacklogProcessStopsOnDeliveryError(t *testing.T) {
	b := NewBacklog("", "w1", true)
	b.Put([]Envelope{{CollectorID: "c1", Data: map[string]any{"i": 0}}})

	calls := 0
	b.Process(context.Background(), 10, func(_ context.Context, _ []Envelope) error {
		calls++
		return errs.NewHealthCheck("sink", assertErr)
	})

	assert.Equal(t, 1, calls, "a failed delivery stops the replay loop")
	assert.Equal(t, 1, b.Size(), "the failed entry stays backlogged")
}

func TestBacklogPutPeekRemoveRoundTrip(t *testing.T) {
	b := NewBacklog("", "w1", true)
	b.Put([]Envelope{{CollectorID: "c1", Data: map[string]any{"v": 1}}})
	b.Put([]Envelope{{CollectorID: "c1", Data: map[string]any{"v": 2}}})

	assert.Equal(t, 2, b.Size())

	items, names := b.Peek(1)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Data["v"])

	b.Remove(names)
	assert.Equal(t, 1, b.Size())
}

func TestBacklogPeekCountsEntriesNotEnvelopes(t *testing.T) {
	b := NewBacklog("", "w1", true)
	b.Put([]Envelope{
		{CollectorID: "c1", Data: map[string]any{"i": 0}},
		{CollectorID: "c1", Data: map[string]any{"i": 1}},
		{CollectorID: "c1", Data: map[string]any{"i": 2}},
	})
	b.Put([]Envelope{{CollectorID: "c1", Data: map[string]any{"i": 3}}})

	items, names := b.Peek(1)
	require.Len(t, names, 1, "peek takes the n oldest entries, not n envelopes")
	assert.Len(t, items, 3, "the whole oldest entry comes back, however many envelopes it holds")
}

func TestBacklogFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewBacklog(dir, "w1", false)
	b.Put([]Envelope{{CollectorID: "c1", Data: map[string]any{"v": 1}}})

	assert.Equal(t, 1, b.Size())
	items, names := b.Peek(10)
	require.Len(t, items, 1)
	assert.Equal(t, "c1", items[0].CollectorID)
	b.Remove(names)
	assert.Equal(t, 0, b.Size())
}
