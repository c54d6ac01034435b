package lease

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// borrowerLeases is the set of live leases of one borrower.
// Once dead, the entry has been removed from the registry and must not be reused.
type borrowerLeases[T any] struct {
	mu     sync.Mutex
	leases map[*Lease[T]]struct{}
	dead   bool
}

// Registry is the bookkeeping behind a Holder: who holds which lease, and since when.
//
// Record, Revoke and Sweep never block on each other beyond a per-borrower mutex.
// DrainWait is the only blocking call.
type Registry[T any] struct {
	holder        string
	clock         Clock
	logger        *slog.Logger
	captureStacks bool
	metrics       *holderMetrics

	active    atomic.Int64
	borrowers sync.Map // Borrower -> *borrowerLeases[T]

	mu      sync.Mutex
	drained *sync.Cond
	waiters int
}

// NewRegistry creates an empty registry for the named holder.
func NewRegistry[T any](holder string, clock Clock, logger *slog.Logger, captureStacks bool) *Registry[T] {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry[T]{
		holder:        holder,
		clock:         clock,
		logger:        logger,
		captureStacks: captureStacks,
		metrics:       newHolderMetrics(holder),
	}
	r.drained = sync.NewCond(&r.mu)
	return r
}

// Record creates a live lease on resource for borrower.
// A borrower that already holds a lease gets a warning, not a refusal, since nested use is legitimate.
func (r *Registry[T]) Record(borrower Borrower, resource T) *Lease[T] {
	l := &Lease[T]{
		id:        uuid.New(),
		holder:    r.holder,
		resource:  resource,
		borrower:  borrower,
		createdAt: r.clock.Now(),
	}
	if r.captureStacks {
		l.stack = captureStack()
	}
	l.live.Store(true)
	r.active.Add(1)
	r.metrics.leaseAdded()

	for {
		v, _ := r.borrowers.LoadOrStore(borrower, &borrowerLeases[T]{leases: make(map[*Lease[T]]struct{})})
		set := v.(*borrowerLeases[T])

		set.mu.Lock()
		if set.dead {
			// Lost a race with the last Revoke of this borrower; it is being removed.
			set.mu.Unlock()
			continue
		}
		held := len(set.leases)
		set.leases[l] = struct{}{}
		set.mu.Unlock()

		if held > 0 {
			r.metrics.nested()
			r.logger.Warn("lease: borrower acquired a second resource without releasing the first",
				"holder", r.holder,
				"borrower", string(borrower),
				"held", held+1,
				"lease_id", l.id.String(),
			)
		}
		return l
	}
}

// Revoke moves l from live to revoked. It returns true only for the caller that performed
// the transition, so a lease is never subtracted from the active count twice.
func (r *Registry[T]) Revoke(l *Lease[T]) bool {
	if l == nil || !l.live.CompareAndSwap(true, false) {
		return false
	}

	if v, ok := r.borrowers.Load(l.borrower); ok {
		set := v.(*borrowerLeases[T])
		set.mu.Lock()
		delete(set.leases, l)
		if len(set.leases) == 0 && !set.dead {
			set.dead = true
			r.borrowers.CompareAndDelete(l.borrower, set)
		}
		set.mu.Unlock()
	}

	r.metrics.leaseRemoved()
	if r.active.Add(-1) == 0 {
		r.mu.Lock()
		if r.waiters > 0 {
			r.drained.Broadcast()
		}
		r.mu.Unlock()
	}
	return true
}

// Sweep returns the live leases older than timeout at now, oldest first.
// It does not revoke them.
func (r *Registry[T]) Sweep(now time.Time, timeout time.Duration) []*Lease[T] {
	var stale []*Lease[T]
	r.borrowers.Range(func(_, v any) bool {
		set := v.(*borrowerLeases[T])
		set.mu.Lock()
		for l := range set.leases {
			if l.Live() && now.Sub(l.createdAt) > timeout {
				stale = append(stale, l)
			}
		}
		set.mu.Unlock()
		return true
	})
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].createdAt.Before(stale[j].createdAt)
	})
	return stale
}

// DrainWait blocks until no lease is active or ctx is done.
// It returns ctx.Err() when it gives up, leaving the caller to decide whether to retry.
func (r *Registry[T]) DrainWait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.drained.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.waiters++
	defer func() { r.waiters-- }()

	for r.active.Load() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.drained.Wait()
	}
	return nil
}

// Active returns the number of live leases.
func (r *Registry[T]) Active() int64 {
	return r.active.Load()
}

// Waiting reports whether a DrainWait is in progress.
func (r *Registry[T]) Waiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiters > 0
}

// Borrowers returns how many live leases each borrower holds.
func (r *Registry[T]) Borrowers() map[Borrower]int {
	out := make(map[Borrower]int)
	r.borrowers.Range(func(k, v any) bool {
		set := v.(*borrowerLeases[T])
		set.mu.Lock()
		if n := len(set.leases); n > 0 {
			out[k.(Borrower)] = n
		}
		set.mu.Unlock()
		return true
	})
	return out
}
