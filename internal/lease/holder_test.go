package lease

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMailboxHolder(t *testing.T, name string, opts ...Option) (*Holder[mailbox], *logBuffer) {
	t.Helper()
	logger, logs := newTestLogger()
	h := NewHolder[mailbox](name, interceptMailbox, append([]Option{WithLogger(logger)}, opts...)...)
	t.Cleanup(h.Close)
	return h, logs
}

func TestHolder_PublishAndAcquire(t *testing.T) {
	t.Run("acquire before publish returns nothing", func(t *testing.T) {
		h, _ := newMailboxHolder(t, "unpublished")
		handle, ok := h.Acquire(context.Background())
		assert.False(t, ok)
		assert.Nil(t, handle)
		assert.Equal(t, int64(0), h.Active())
	})

	t.Run("publish then acquire returns the resource", func(t *testing.T) {
		h, _ := newMailboxHolder(t, "round-trip")
		box := &memoryMailbox{}
		require.True(t, h.Publish(box))

		handle, ok := h.Acquire(borrower("alice"))
		require.True(t, ok)
		defer handle.Release()

		assert.Same(t, box, handle.Resource(), "without leak detection the raw resource is handed out")
		assert.Equal(t, Borrower("alice"), handle.Lease().Borrower)
		assert.Equal(t, int64(1), h.Active())
	})

	t.Run("second publish is ignored", func(t *testing.T) {
		h, _ := newMailboxHolder(t, "double-publish")
		first, second := &memoryMailbox{}, &memoryMailbox{}
		require.True(t, h.Publish(first))
		assert.False(t, h.Publish(second))

		current, ok := h.Resource()
		require.True(t, ok)
		assert.Same(t, first, current)
	})

	t.Run("nil publish is logged and ignored", func(t *testing.T) {
		h, logs := newMailboxHolder(t, "nil-publish")
		var box *memoryMailbox
		assert.False(t, h.Publish(box))
		assert.False(t, h.Published())
		assert.Equal(t, 1, logs.Count("ignoring publish of a nil resource"))
	})
}

func TestHolder_Release(t *testing.T) {
	h, logs := newMailboxHolder(t, "release")
	require.True(t, h.Publish(&memoryMailbox{}))

	t.Run("nil handle is a no-op", func(t *testing.T) {
		h.Release(nil)
		var handle *Handle[mailbox]
		handle.Release()
		assert.Equal(t, int64(0), h.Active())
	})

	t.Run("double release decrements once", func(t *testing.T) {
		a, ok := h.Acquire(borrower("a"))
		require.True(t, ok)
		b, ok := h.Acquire(borrower("b"))
		require.True(t, ok)

		a.Release()
		a.Release()
		h.Release(a)

		assert.Equal(t, int64(1), h.Active())
		assert.False(t, a.Live())
		assert.True(t, b.Live())
		assert.GreaterOrEqual(t, logs.Count("handle already released"), 2)

		b.Release()
		b.Release()
		assert.Equal(t, int64(0), h.Active(), "never negative")
	})

	t.Run("handle of another holder is ignored", func(t *testing.T) {
		other, _ := newMailboxHolder(t, "release-other")
		require.True(t, other.Publish(&memoryMailbox{}))
		foreign, ok := other.Acquire(borrower("a"))
		require.True(t, ok)

		h.Release(foreign)
		assert.True(t, foreign.Live())
		assert.Equal(t, int64(1), other.Active())
		foreign.Release()
	})
}

func TestHolder_CounterMatchesInterleavedOperations(t *testing.T) {
	h, _ := newMailboxHolder(t, "interleaved")
	require.True(t, h.Publish(&memoryMailbox{}))

	rng := rand.New(rand.NewSource(42))
	var held []*Handle[mailbox]
	acquires, releases := 0, 0

	for i := 0; i < 1000; i++ {
		switch {
		case len(held) == 0 || rng.Intn(3) > 0:
			handle, ok := h.Acquire(borrower("b"))
			require.True(t, ok)
			held = append(held, handle)
			acquires++
		default:
			idx := rng.Intn(len(held))
			wasLive := held[idx].Live()
			held[idx].Release()
			if wasLive {
				releases++
			}
			// Keep released handles around sometimes to exercise double releases.
			if rng.Intn(2) == 0 {
				held = append(held[:idx], held[idx+1:]...)
			}
		}
		require.Equal(t, int64(acquires-releases), h.Active())
		require.GreaterOrEqual(t, h.Active(), int64(0))
	}

	for _, handle := range held {
		handle.Release()
	}
	assert.Equal(t, int64(0), h.Active())
}

func TestHolder_Retract(t *testing.T) {
	t.Run("no-op when nothing is published", func(t *testing.T) {
		h, _ := newMailboxHolder(t, "retract-empty")
		require.NoError(t, h.Retract(context.Background()))
	})

	t.Run("returns immediately with no outstanding leases", func(t *testing.T) {
		h, _ := newMailboxHolder(t, "retract-idle")
		require.True(t, h.Publish(&memoryMailbox{}))

		done := make(chan error, 1)
		go func() { done <- h.Retract(context.Background()) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Retract blocked with no outstanding leases")
		}
		assert.False(t, h.Published())
	})

	t.Run("waits for all outstanding leases", func(t *testing.T) {
		h, logs := newMailboxHolder(t, "retract-busy")
		require.True(t, h.Publish(&memoryMailbox{}))

		const n = 5
		handles := make([]*Handle[mailbox], 0, n)
		for i := 0; i < n; i++ {
			handle, ok := h.Acquire(context.Background())
			require.True(t, ok)
			handles = append(handles, handle)
		}

		done := make(chan error, 1)
		go func() { done <- h.Retract(context.Background()) }()

		require.Eventually(t, func() bool { return h.Stats().Draining }, time.Second, time.Millisecond)
		assert.Equal(t, 1, logs.Count("retracting resource with outstanding leases"))

		_, ok := h.Acquire(context.Background())
		assert.False(t, ok, "no new leases while retracting")

		for i, handle := range handles {
			select {
			case <-done:
				t.Fatalf("Retract returned with %d leases outstanding", n-i)
			default:
			}
			handle.Release()
		}

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Retract did not finish after all leases were released")
		}

		_, ok = h.Acquire(context.Background())
		assert.False(t, ok, "nothing published after retract")

		require.True(t, h.Publish(&memoryMailbox{}), "a new resource can be published after retract")
		handle, ok := h.Acquire(context.Background())
		require.True(t, ok)
		handle.Release()
	})

	t.Run("cancellation abandons the retraction", func(t *testing.T) {
		h, _ := newMailboxHolder(t, "retract-cancel")
		box := &memoryMailbox{}
		require.True(t, h.Publish(box))
		held, ok := h.Acquire(context.Background())
		require.True(t, ok)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := h.Retract(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))

		current, ok := h.Resource()
		require.True(t, ok, "resource stays published")
		assert.Same(t, box, current)

		again, ok := h.Acquire(context.Background())
		require.True(t, ok, "acquisitions are allowed again")
		again.Release()
		held.Release()
	})
}

func TestHolder_Listeners(t *testing.T) {
	var mu sync.Mutex
	var events []string
	newListener := func(name string) *recordingListener {
		return &recordingListener{name: name, events: &events, mu: &mu}
	}

	h, logs := newMailboxHolder(t, "listeners")

	first := newListener("first")
	failing := newListener("failing")
	failing.err = errors.New("listener failure")
	panicking := newListener("panicking")
	panicking.panics = true
	last := newListener("last")

	h.AddListener(first)
	h.AddListener(failing)
	h.AddListener(panicking)
	h.AddListener(last)
	h.AddListener(first)
	h.AddListener(newListener("first"))

	require.True(t, h.Publish(&memoryMailbox{}))
	require.NoError(t, h.Retract(context.Background()))

	assert.Equal(t, []string{
		"first:available", "failing:available", "panicking:available", "last:available",
		"first:unavailable", "failing:unavailable", "panicking:unavailable", "last:unavailable",
	}, events, "listeners run in registration order, each once, despite failures")
	assert.Equal(t, 2, logs.Count("listener failure"))
	assert.Equal(t, 2, logs.Count("listener panicked"))

	events = nil
	h.RemoveListener(failing)
	h.RemoveListenerByName("panicking")
	require.True(t, h.Publish(&memoryMailbox{}))
	assert.Equal(t, []string{"first:available", "last:available"}, events)

	events = nil
	h.ClearListeners()
	require.NoError(t, h.Retract(context.Background()))
	assert.Empty(t, events)
}

func TestHolder_ConcurrentBorrowers(t *testing.T) {
	h, _ := newMailboxHolder(t, "concurrent")
	require.True(t, h.Publish(&memoryMailbox{}))

	const goroutines = 100
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs <- errors.New("borrower panicked")
				}
			}()

			handle, ok := h.Acquire(context.Background())
			if !ok {
				errs <- errors.New("acquire failed")
				return
			}
			defer handle.Release()

			time.Sleep(time.Millisecond)
			if err := handle.Resource().Append("hello"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int64(0), h.Active())
	assert.Empty(t, h.Stats().Borrowers)

	box, _ := h.Resource()
	count, err := box.Count()
	require.NoError(t, err)
	assert.Equal(t, goroutines, count)
}

func TestHolder_ConcurrentRetractAndAcquire(t *testing.T) {
	h, _ := newMailboxHolder(t, "retract-race")
	require.True(t, h.Publish(&memoryMailbox{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if handle, ok := h.Acquire(context.Background()); ok {
					handle.Release()
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		require.NoError(t, h.Retract(context.Background()))
		require.True(t, h.Publish(&memoryMailbox{}))
	}
	cancel()
	wg.Wait()

	assert.Equal(t, int64(0), h.Active())
}
