package lease

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var _ Sweepable = (*Holder[any])(nil)

// published wraps the resource so the slot can be swapped atomically.
type published[T any] struct {
	resource T
}

// Holder publishes one shared resource at a time and leases it to concurrent borrowers.
type Holder[T any] struct {
	name      string
	intercept Interceptor[T]
	detector  *Detector
	clock     Clock
	logger    *slog.Logger
	reg       *Registry[T]

	slot       atomic.Pointer[published[T]]
	retracting atomic.Bool
	retractMu  sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener[T]

	closed atomic.Bool
}

// NewHolder creates an empty holder. intercept builds the wrapper handed out
// while leak detection is enabled; with a nil intercept the raw resource is
// always handed out.
func NewHolder[T any](name string, intercept Interceptor[T], opts ...Option) *Holder[T] {
	o := newOptions(opts)
	h := &Holder[T]{
		name:      name,
		intercept: intercept,
		detector:  o.detector,
		clock:     o.clock,
		logger:    o.logger.With("holder", name),
		reg:       NewRegistry[T](name, o.clock, o.logger, o.detector.Enabled()),
	}
	if h.detector.Enabled() {
		h.detector.Watch(h)
	}
	return h
}

// Name returns the holder's name.
func (h *Holder[T]) Name() string {
	return h.name
}

// Publish makes resource available to Acquire. It is a no-op returning false
// if a resource is already published. A nil resource is logged and ignored.
func (h *Holder[T]) Publish(resource T) bool {
	if isNil(resource) {
		h.logger.Warn("lease: ignoring publish of a nil resource")
		return false
	}
	if !h.slot.CompareAndSwap(nil, &published[T]{resource: resource}) {
		h.logger.Debug("lease: resource already published, ignoring publish")
		return false
	}

	h.logger.Info("lease: resource published")
	h.notify("available", func(l Listener[T]) error { return l.ResourceAvailable(resource) })
	return true
}

// Resource returns the published resource without leasing it.
func (h *Holder[T]) Resource() (T, bool) {
	if p := h.slot.Load(); p != nil {
		return p.resource, true
	}
	var zero T
	return zero, false
}

// Published reports whether a resource is published.
func (h *Holder[T]) Published() bool {
	return h.slot.Load() != nil
}

// Acquire leases the published resource to the borrower found in ctx.
// It returns false if nothing is published or a retraction is in progress.
// Every handle it returns must be released.
func (h *Holder[T]) Acquire(ctx context.Context) (*Handle[T], bool) {
	p := h.slot.Load()
	if p == nil || h.retracting.Load() {
		h.reg.metrics.acquire("unavailable")
		return nil, false
	}

	l := h.reg.Record(BorrowerFromContext(ctx), p.resource)

	// Counted before re-checking, so a retraction that started in between waits for us
	// and one that finished in between is seen here.
	if h.retracting.Load() || h.slot.Load() != p {
		h.reg.Revoke(l)
		h.reg.metrics.acquire("unavailable")
		return nil, false
	}

	h.reg.metrics.acquire("granted")
	return &Handle[T]{holder: h, lease: l}, true
}

// Release ends the handle's lease. Releasing nil, a handle of another holder,
// or a handle whose lease already ended is a no-op.
func (h *Holder[T]) Release(handle *Handle[T]) {
	if handle == nil || handle.lease == nil {
		return
	}
	if handle.holder != h {
		h.logger.Debug("lease: release of a handle from another holder ignored", "lease_id", handle.lease.id.String())
		return
	}
	if h.reg.Active() == 0 || !h.reg.Revoke(handle.lease) {
		h.logger.Debug("lease: handle already released",
			"lease_id", handle.lease.id.String(),
			"borrower", string(handle.lease.borrower),
		)
		return
	}
	h.reg.metrics.released()
}

// Retract withdraws the published resource. New acquisitions are refused while
// it waits for every outstanding lease to be released or reclaimed. If ctx is
// done first, the retraction is abandoned, the resource stays published, and
// ctx.Err() is returned.
func (h *Holder[T]) Retract(ctx context.Context) error {
	h.retractMu.Lock()
	defer h.retractMu.Unlock()

	p := h.slot.Load()
	if p == nil {
		return nil
	}

	h.retracting.Store(true)
	defer h.retracting.Store(false)

	if n := h.reg.Active(); n > 0 {
		h.logger.Error("lease: retracting resource with outstanding leases, waiting for them",
			"active", n,
			"borrowers", len(h.reg.Borrowers()),
		)
		start := time.Now()
		err := h.reg.DrainWait(ctx)
		h.reg.metrics.retractWaited(time.Since(start))
		if err != nil {
			h.logger.Warn("lease: retraction abandoned", "active", h.reg.Active(), "error", err)
			return fmt.Errorf("waiting for %s leases to drain: %w", h.name, err)
		}
	}

	if !h.slot.CompareAndSwap(p, nil) {
		// Only Retract clears the slot and retractions are serialized.
		return nil
	}

	h.logger.Info("lease: resource retracted")
	h.notify("unavailable", func(l Listener[T]) error { return l.ResourceUnavailable(p.resource) })
	return nil
}

// Close detaches the holder from the leak detector and deletes its metric
// series. It does not retract.
func (h *Holder[T]) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	if h.detector != nil {
		h.detector.Unwatch(h)
	}
	h.reg.metrics.drop()
}

// Active returns the number of outstanding leases.
func (h *Holder[T]) Active() int64 {
	return h.reg.Active()
}

// Registry exposes the holder's lease bookkeeping.
func (h *Holder[T]) Registry() *Registry[T] {
	return h.reg
}

// LeakDetection reports whether handles are intercepted and swept.
func (h *Holder[T]) LeakDetection() bool {
	return h.detector.Enabled()
}

// Stale implements Sweepable.
func (h *Holder[T]) Stale(now time.Time, timeout time.Duration) []StaleLease {
	leases := h.reg.Sweep(now, timeout)
	out := make([]StaleLease, 0, len(leases))
	for _, l := range leases {
		out = append(out, staleLease[T]{holder: h, lease: l})
	}
	return out
}

// reclaim revokes l through the same path as Release and tells reclaim listeners.
func (h *Holder[T]) reclaim(l *Lease[T], report LeakReport) bool {
	if !h.reg.Revoke(l) {
		return false
	}
	h.reg.metrics.reclaimed()
	h.notify("reclaimed", func(li Listener[T]) error {
		if rl, ok := li.(ReclaimListener); ok {
			return rl.LeaseReclaimed(report)
		}
		return nil
	})
	return true
}

// AddListener registers l. Adding the same listener, or another one with the same name, is a no-op.
func (h *Holder[T]) AddListener(l Listener[T]) {
	if l == nil {
		return
	}
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	for _, existing := range h.listeners {
		if existing == l || existing.Name() == l.Name() {
			return
		}
	}
	h.listeners = append(h.listeners, l)
}

// RemoveListener unregisters l.
func (h *Holder[T]) RemoveListener(l Listener[T]) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = slices.DeleteFunc(h.listeners, func(existing Listener[T]) bool { return existing == l })
}

// RemoveListenerByName unregisters the listener called name.
func (h *Holder[T]) RemoveListenerByName(name string) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = slices.DeleteFunc(h.listeners, func(existing Listener[T]) bool { return existing.Name() == name })
}

// ClearListeners unregisters every listener.
func (h *Holder[T]) ClearListeners() {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = nil
}

func (h *Holder[T]) notify(event string, fn func(Listener[T]) error) {
	h.listenersMu.RLock()
	listeners := slices.Clone(h.listeners)
	h.listenersMu.RUnlock()

	for _, l := range listeners {
		h.invoke(event, l, fn)
	}
}

func (h *Holder[T]) invoke(event string, l Listener[T], fn func(Listener[T]) error) {
	defer func() {
		if r := recover(); r != nil {
			logRecovered(h.logger, "lease: listener panicked", "event", event, "listener", l.Name(), "panic", r)
		}
	}()
	if err := fn(l); err != nil {
		h.logger.Error("lease: listener failed", "event", event, "listener", l.Name(), "error", err)
	}
}

// Stats is a point-in-time view of a holder.
type Stats struct {
	Name          string         `json:"name"`
	Published     bool           `json:"published"`
	Retracting    bool           `json:"retracting"`
	Active        int64          `json:"active"`
	Draining      bool           `json:"draining"`
	LeakDetection bool           `json:"leak_detection"`
	Borrowers     map[string]int `json:"borrowers"`
}

// Stats returns a snapshot of the holder's state.
func (h *Holder[T]) Stats() Stats {
	borrowers := make(map[string]int)
	for b, n := range h.reg.Borrowers() {
		borrowers[string(b)] = n
	}
	return Stats{
		Name:          h.name,
		Published:     h.Published(),
		Retracting:    h.retracting.Load(),
		Active:        h.reg.Active(),
		Draining:      h.reg.Waiting(),
		LeakDetection: h.LeakDetection(),
		Borrowers:     borrowers,
	}
}

// Handle is what Acquire returns: access to the resource for one lease.
type Handle[T any] struct {
	holder  *Holder[T]
	lease   *Lease[T]
	once    sync.Once
	wrapped T
}

// Resource returns the leased resource. With leak detection enabled this is the
// intercepting wrapper, built on first use and reused afterwards.
func (hd *Handle[T]) Resource() T {
	h := hd.holder
	if h.intercept == nil || !h.LeakDetection() {
		return hd.lease.resource
	}
	hd.once.Do(func() {
		hd.wrapped = h.intercept(&Guard{lease: hd.lease, metrics: h.reg.metrics}, hd.lease.resource)
	})
	return hd.wrapped
}

// Release ends the lease. Safe to call more than once.
func (hd *Handle[T]) Release() {
	if hd == nil {
		return
	}
	hd.holder.Release(hd)
}

// Live reports whether the lease is still live.
func (hd *Handle[T]) Live() bool {
	return hd.lease.Live()
}

// Lease describes the handle's lease.
func (hd *Handle[T]) Lease() Info {
	return hd.lease.Info()
}

type staleLease[T any] struct {
	holder *Holder[T]
	lease  *Lease[T]
}

func (s staleLease[T]) Info() Info {
	return s.lease.Info()
}

func (s staleLease[T]) Reclaim(report LeakReport) bool {
	return s.holder.reclaim(s.lease, report)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
