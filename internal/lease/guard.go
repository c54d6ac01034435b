package lease

// liveLease is the part of a Lease a Guard needs.
type liveLease interface {
	Live() bool
	Info() Info
}

// Guard is handed to an Interceptor so the wrapper it builds can refuse calls
// once the lease behind it has been revoked.
type Guard struct {
	lease   liveLease
	metrics *holderMetrics
}

// Check returns a *StaleHandleError if the lease was revoked, nil otherwise.
// Wrappers call it first in every method and return the underlying resource's
// own errors untouched.
func (g *Guard) Check() error {
	if g.lease.Live() {
		return nil
	}
	info := g.lease.Info()
	if g.metrics != nil {
		g.metrics.staleCall()
	}
	return &StaleHandleError{
		Holder:   info.Holder,
		LeaseID:  info.ID,
		Borrower: info.Borrower,
	}
}

// Lease describes the lease the guard protects.
func (g *Guard) Lease() Info {
	return g.lease.Info()
}

// Interceptor wraps resource in a value of the same capability set that calls
// g.Check before delegating. One is written by hand for each resource type.
type Interceptor[T any] func(g *Guard, resource T) T
