package lease

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Lease is one outstanding borrow of a holder's resource.
// It goes from live to revoked exactly once, through Release or forced reclamation.
type Lease[T any] struct {
	id        uuid.UUID
	holder    string
	resource  T
	borrower  Borrower
	createdAt time.Time
	stack     string
	live      atomic.Bool
}

// ID returns the lease's unique ID.
func (l *Lease[T]) ID() uuid.UUID {
	return l.id
}

// Borrower returns who acquired the lease.
func (l *Lease[T]) Borrower() Borrower {
	return l.borrower
}

// CreatedAt returns when the lease was acquired.
func (l *Lease[T]) CreatedAt() time.Time {
	return l.createdAt
}

// Stack returns the acquisition call stack, or "" when it was not captured.
func (l *Lease[T]) Stack() string {
	return l.stack
}

// Live reports whether the lease has not been revoked yet.
func (l *Lease[T]) Live() bool {
	return l.live.Load()
}

// Info returns the type-independent description of the lease.
func (l *Lease[T]) Info() Info {
	return Info{
		ID:         l.id,
		Holder:     l.holder,
		Borrower:   l.borrower,
		AcquiredAt: l.createdAt,
		Stack:      l.stack,
	}
}

// Info describes a lease without its resource.
type Info struct {
	ID         uuid.UUID `json:"id"`
	Holder     string    `json:"holder"`
	Borrower   Borrower  `json:"borrower"`
	AcquiredAt time.Time `json:"acquired_at"`
	Stack      string    `json:"stack,omitempty"`
}

// LeakReport is produced for every lease the Detector reclaims.
type LeakReport struct {
	Info
	HeldFor     time.Duration `json:"held_for"`
	ReclaimedAt time.Time     `json:"reclaimed_at"`
}
