package pipe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/SmartCGMS/core-sub005/errors"
	"github.com/SmartCGMS/core-sub005/event"
	"github.com/SmartCGMS/core-sub005/filter"
	"github.com/SmartCGMS/core-sub005/metric"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var device = uuid.MustParse("9f0e2d7c-1111-4c3b-8d2a-000000000001")

func level(v float64) *event.Event {
	return event.NewLevel(device, event.SignalIG, 45000+v, v, 1)
}

func info(t *testing.T, text string) *event.Event {
	t.Helper()
	e, err := event.NewInfo(event.Information, device, text)
	require.NoError(t, err)
	return e
}

func newAsync(t *testing.T, opts ...Option) *Async {
	t.Helper()
	p, err := NewAsync(opts...)
	require.NoError(t, err)
	t.Cleanup(p.Abort)
	return p
}

func receiveWithin(t *testing.T, p filter.Receiver, d time.Duration) (*event.Event, error) {
	t.Helper()
	type result struct {
		e   *event.Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		e, err := p.Receive()
		ch <- result{e, err}
	}()
	select {
	case r := <-ch:
		return r.e, r.err
	case <-time.After(d):
		t.Fatalf("Receive did not return within %v", d)
		return nil, nil
	}
}

// duplicate emits every event followed by a clone whose level is +0.5.
type duplicate struct{}

func (duplicate) Configure(filter.Configuration) error { return nil }

func (duplicate) Execute(b *filter.Batch) error {
	for {
		e, ok := b.Next()
		if !ok {
			return nil
		}
		if e.IsShutDown() {
			if err := b.Emit(e); err != nil {
				return err
			}
			continue
		}
		c := e.Clone()
		c.Level += 0.5
		if err := b.Emit(e); err != nil {
			return err
		}
		if err := b.Emit(c); err != nil {
			return err
		}
	}
}

// passThrough emits every event unchanged and records the levels it saw.
type passThrough struct {
	mu   sync.Mutex
	seen []float64
}

func (*passThrough) Configure(filter.Configuration) error { return nil }

func (p *passThrough) Execute(b *filter.Batch) error {
	for {
		e, ok := b.Next()
		if !ok {
			return nil
		}
		p.mu.Lock()
		p.seen = append(p.seen, e.Level)
		p.mu.Unlock()
		if err := b.Emit(e); err != nil {
			return err
		}
	}
}

func (p *passThrough) levels() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.seen...)
}

// failOn fails when it consumes an event with the given level.
type failOn struct{ level float64 }

func (failOn) Configure(filter.Configuration) error { return nil }

func (f failOn) Execute(b *filter.Batch) error {
	for {
		e, ok := b.Next()
		if !ok {
			return nil
		}
		if e.Level == f.level {
			return fmt.Errorf("level %g rejected", e.Level)
		}
		if err := b.Emit(e); err != nil {
			return err
		}
	}
}

func TestAsyncPreservesOrder(t *testing.T) {
	const n = 1000
	p := newAsync(t, WithCapacity(8))

	go func() {
		for i := 0; i < n; i++ {
			if err := p.Send(level(float64(i))); err != nil {
				return
			}
		}
		_ = p.Send(event.NewShutDown(device))
	}()

	for i := 0; i < n; i++ {
		e, err := p.Receive()
		require.NoError(t, err)
		require.Equal(t, float64(i), e.Level)
	}
	e, err := p.Receive()
	require.NoError(t, err)
	assert.True(t, e.IsShutDown())

	stats := p.Stats()
	assert.Equal(t, int64(n+1), stats.Sent)
	assert.Equal(t, int64(n+1), stats.Received)
	assert.True(t, stats.SendClosed)
	assert.True(t, stats.ReceiveClosed)
}

func TestAsyncSendBlocksAtCapacity(t *testing.T) {
	p := newAsync(t, WithCapacity(4))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			if err := p.Send(level(float64(i))); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return p.Size() == 4 }, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("fifth Send returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	e, err := p.Receive()
	require.NoError(t, err)
	assert.Equal(t, 0.0, e.Level)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send did not resume after a slot was freed")
	}
	assert.Equal(t, 4, p.Size())
}

func TestAsyncSendAfterShutdownIsDropped(t *testing.T) {
	before := event.Outstanding()
	p := newAsync(t)

	require.NoError(t, p.Send(event.NewShutDown(device)))
	assert.Equal(t, 1, p.Size())

	err := p.Send(info(t, "late"))
	assert.ErrorIs(t, err, errors.ErrPipeClosed)
	assert.True(t, errors.IsEndOfStream(err))
	assert.Equal(t, 1, p.Size(), "dropped event must not be queued")
	assert.Equal(t, before, event.Outstanding(), "dropped payload is released")
	assert.Equal(t, int64(1), p.Stats().Dropped)

	assert.ErrorIs(t, p.Send(event.NewShutDown(device)), errors.ErrPipeClosed, "second shutdown is also dropped")
}

func TestAsyncReceiveAfterShutdownDoesNotBlock(t *testing.T) {
	p := newAsync(t)
	require.NoError(t, p.Send(level(1)))
	require.NoError(t, p.Send(event.NewShutDown(device)))

	e, err := p.Receive()
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Level)

	e, err = p.Receive()
	require.NoError(t, err)
	assert.True(t, e.IsShutDown())

	_, err = receiveWithin(t, p, 100*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrPipeClosed)
}

func TestAsyncAbortUnblocksReceive(t *testing.T) {
	p := newAsync(t)

	type result struct{ err error }
	ch := make(chan result, 1)
	go func() {
		_, err := p.Receive()
		ch <- result{err}
	}()

	time.Sleep(20 * time.Millisecond)
	p.Abort()

	select {
	case r := <-ch:
		assert.ErrorIs(t, r.err, errors.ErrPipeAborted)
	case <-time.After(time.Second):
		t.Fatal("Abort did not wake the blocked Receive")
	}

	assert.ErrorIs(t, p.Send(level(1)), errors.ErrPipeAborted)
	_, err := p.Receive()
	assert.ErrorIs(t, err, errors.ErrPipeAborted)
	p.Abort()
}

func TestAsyncAbortUnblocksSendAndReleasesQueued(t *testing.T) {
	before := event.Outstanding()
	p := newAsync(t, WithCapacity(2))

	require.NoError(t, p.Send(info(t, "a")))
	require.NoError(t, p.Send(info(t, "b")))

	c := info(t, "c")
	blocked := make(chan error, 1)
	go func() { blocked <- p.Send(c) }()

	time.Sleep(20 * time.Millisecond)
	p.Abort()

	assert.ErrorIs(t, <-blocked, errors.ErrPipeAborted)
	assert.Zero(t, p.Size())
	assert.Equal(t, before, event.Outstanding())
	assert.Equal(t, int64(3), p.Stats().Dropped)
	assert.True(t, p.Stats().Aborted)
}

func TestAsyncSendNil(t *testing.T) {
	p := newAsync(t)
	err := p.Send(nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	assert.True(t, errors.IsInvalid(err))
	assert.Zero(t, p.Size())
}

func TestAsyncMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	p := newAsync(t, WithName("stage-0-out"), WithMetrics(registry), WithCapacity(3))

	require.NoError(t, p.Send(event.NewShutDown(device)))
	require.ErrorIs(t, p.Send(level(1)), errors.ErrPipeClosed)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["scgms_buffer_writes_total"])
	assert.True(t, names["scgms_events_dropped_total"])
	assert.Equal(t, "stage-0-out", p.Name())
	assert.Equal(t, 3, p.Capacity())
}

func TestSyncComposedOrder(t *testing.T) {
	p, err := NewSync()
	require.NoError(t, err)
	t.Cleanup(p.Abort)
	require.NoError(t, p.AddFilter(duplicate{}))

	require.NoError(t, p.Send(level(1)))
	require.NoError(t, p.Send(level(2)))

	var got []float64
	for i := 0; i < 4; i++ {
		e, err := p.Receive()
		require.NoError(t, err)
		got = append(got, e.Level)
	}
	assert.Equal(t, []float64{1, 1.5, 2, 2.5}, got)
}

func TestSyncComposedOrderAroundDuplicator(t *testing.T) {
	p, err := NewSync()
	require.NoError(t, err)
	t.Cleanup(p.Abort)

	first, last := &passThrough{}, &passThrough{}
	require.NoError(t, p.AddFilter(first))
	require.NoError(t, p.AddFilter(duplicate{}))
	require.NoError(t, p.AddFilter(last))

	require.NoError(t, p.Send(level(1)))
	require.NoError(t, p.Send(level(2)))

	var got []float64
	for i := 0; i < 4; i++ {
		e, err := p.Receive()
		require.NoError(t, err)
		got = append(got, e.Level)
	}
	assert.Equal(t, []float64{1, 1.5, 2, 2.5}, got)
	assert.Equal(t, []float64{1, 2}, first.levels())
	assert.Equal(t, []float64{1, 1.5, 2, 2.5}, last.levels())
}

func TestSyncChainedFilters(t *testing.T) {
	p, err := NewSync()
	require.NoError(t, err)
	t.Cleanup(p.Abort)
	require.NoError(t, p.AddFilter(duplicate{}))
	require.NoError(t, p.AddFilter(duplicate{}))
	assert.Equal(t, 2, p.Len())

	require.NoError(t, p.Send(level(1)))

	var got []float64
	for i := 0; i < 4; i++ {
		e, err := p.Receive()
		require.NoError(t, err)
		got = append(got, e.Level)
	}
	assert.Equal(t, []float64{1, 1.5, 1.5, 2}, got)
}

func TestSyncFailClosed(t *testing.T) {
	before := event.Outstanding()

	p, err := NewSync(WithCapacity(8))
	require.NoError(t, err)
	t.Cleanup(p.Abort)
	require.NoError(t, p.AddFilter(duplicate{}))
	require.NoError(t, p.AddFilter(failOn{level: 0}))

	e, err := event.NewInfo(event.Warning, device, "will be duplicated")
	require.NoError(t, err)
	e.Level = 0 // the original fails, the clone (0.5) was already emitted upstream

	err = p.Send(e)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFilterFailed)
	assert.True(t, errors.IsFatal(err))

	assert.Zero(t, p.Stats().Size, "nothing from the failed call reaches downstream")
	assert.Equal(t, before, event.Outstanding(), "original and clone are both released")
	assert.Equal(t, int64(2), p.Stats().Dropped)

	require.NoError(t, p.Send(level(3)), "the pipe stays usable")
	got, err := p.Receive()
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.Level)
}

func TestSyncAddFilterAfterStart(t *testing.T) {
	p, err := NewSync()
	require.NoError(t, err)
	t.Cleanup(p.Abort)

	require.Error(t, p.AddFilter(nil))
	require.NoError(t, p.Send(level(1)))
	err = p.AddFilter(duplicate{})
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestSyncShutdownPropagates(t *testing.T) {
	before := event.Outstanding()
	p, err := NewSync()
	require.NoError(t, err)
	t.Cleanup(p.Abort)

	require.NoError(t, p.Send(event.NewShutDown(device)))
	assert.ErrorIs(t, p.Send(info(t, "late")), errors.ErrPipeClosed)
	assert.ErrorIs(t, p.Send(nil), errors.ErrInvalidArgument)
	assert.Equal(t, before, event.Outstanding())

	e, err := p.Receive()
	require.NoError(t, err)
	assert.True(t, e.IsShutDown())
	_, err = receiveWithin(t, p, 100*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrPipeClosed)
}

func TestSyncAbortWakesBlockedSend(t *testing.T) {
	p, err := NewSync(WithCapacity(1))
	require.NoError(t, err)
	require.NoError(t, p.AddFilter(duplicate{}))

	blocked := make(chan error, 1)
	go func() { blocked <- p.Send(level(1)) }()

	require.Eventually(t, func() bool { return p.Stats().Size == 1 }, time.Second, 5*time.Millisecond)
	p.Abort()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, errors.ErrPipeAborted)
	case <-time.After(time.Second):
		t.Fatal("Abort did not wake the Send blocked on the downstream queue")
	}
	assert.ErrorIs(t, p.Send(level(2)), errors.ErrPipeAborted)
}

func TestPayloadsReleasedExactlyOnce(t *testing.T) {
	const iterations = 1000
	before := event.Outstanding()

	head, err := NewSync(WithCapacity(16))
	require.NoError(t, err)
	require.NoError(t, head.AddFilter(duplicate{}))
	tail := newAsync(t, WithCapacity(4))

	// Producer: 1000 payloads, duplicated by the sync pipe.
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < iterations; i++ {
			e, err := event.NewInfo(event.Information, device, fmt.Sprintf("reading %d", i))
			if err != nil {
				return
			}
			if err := head.Send(e); err != nil {
				return
			}
		}
		_ = head.Send(event.NewShutDown(device))
	}()

	// Relay: drops every fourth event itself, forwards the rest.
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		for i := 0; ; i++ {
			e, err := head.Receive()
			if err != nil {
				return
			}
			if i%4 == 3 {
				_ = e.Release()
				continue
			}
			if err := tail.Send(e); err != nil {
				return
			}
		}
	}()

	// Consumer: stops early so both pipes are aborted with events queued
	// and the producer and relay are left blocked.
	for i := 0; i < iterations; i++ {
		e, err := tail.Receive()
		require.NoError(t, err)
		require.NoError(t, e.Release())
	}

	tail.Abort()
	<-relayed
	head.Abort()
	<-sent

	assert.Equal(t, before, event.Outstanding())
	assert.True(t, head.Stats().Aborted)
}
