package lease

// Listener is told when a holder's resource comes and goes.
// Listeners run synchronously, in registration order; a failing listener is
// logged and does not stop the others. Implementations must be comparable,
// which pointer receivers are.
type Listener[T any] interface {
	// Name identifies the listener. A holder keeps at most one listener per name.
	Name() string
	ResourceAvailable(resource T) error
	ResourceUnavailable(resource T) error
}

// ReclaimListener is implemented by listeners that also want to hear about
// leases reclaimed by the leak detector. A reclaimed lease does not make the
// resource unavailable; only Retract does.
type ReclaimListener interface {
	LeaseReclaimed(report LeakReport) error
}
