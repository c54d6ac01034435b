package lease

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Sweepable is the type-independent view of a holder that the Detector sweeps.
type Sweepable interface {
	Name() string
	Active() int64
	Stale(now time.Time, timeout time.Duration) []StaleLease
}

// StaleLease is a lease found by a sweep, not yet reclaimed.
type StaleLease interface {
	Info() Info
	// Reclaim revokes the lease on its borrower's behalf.
	// It returns false if the lease was released in the meantime.
	Reclaim(report LeakReport) bool
}

// Sink receives a report for every reclaimed lease.
type Sink interface {
	LeakDetected(ctx context.Context, report LeakReport) error
}

// Detector periodically reclaims leases held longer than the configured timeout.
// One Detector is shared by every holder of the process.
type Detector struct {
	cfg    DetectorConfig
	clock  Clock
	logger *slog.Logger

	mu      sync.RWMutex
	watched []Sweepable
	sinks   []Sink

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   bool
}

// NewDetector creates a Detector. It does nothing until Start is called, and
// Start does nothing when cfg.Enabled is false.
func NewDetector(cfg DetectorConfig, opts ...Option) *Detector {
	o := newOptions(opts)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Detector{
		cfg:    cfg,
		clock:  o.clock,
		logger: o.logger,
	}
}

// Enabled reports whether leak detection is on.
func (d *Detector) Enabled() bool {
	return d != nil && d.cfg.Enabled
}

// Config returns the configuration the detector was built with.
func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

// Watch adds t to the holders swept on every pass. Watching twice is a no-op.
func (d *Detector) Watch(t Sweepable) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.Contains(d.watched, t) {
		return
	}
	d.watched = append(d.watched, t)
}

// Unwatch stops sweeping t.
func (d *Detector) Unwatch(t Sweepable) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watched = slices.DeleteFunc(d.watched, func(w Sweepable) bool { return w == t })
}

// AddSink registers s to receive leak reports.
func (d *Detector) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Start runs the sweep loop in a goroutine until ctx is done or Stop is called.
// Passes are spaced by the sweep interval measured from the end of the previous
// pass, so a slow pass never overlaps the next one.
func (d *Detector) Start(ctx context.Context) {
	if !d.Enabled() {
		return
	}

	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.stopped || d.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	d.logger.Info("lease: leak detection started",
		"timeout", d.cfg.Timeout.String(),
		"sweep_interval", d.cfg.SweepInterval.String(),
	)

	go func() {
		defer close(d.done)
		timer := time.NewTimer(d.cfg.SweepInterval)
		defer timer.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-timer.C:
				d.sweepSafely()
				timer.Reset(d.cfg.SweepInterval)
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for a pass in progress to finish.
// A stopped detector never starts again.
func (d *Detector) Stop() {
	d.lifecycle.Lock()
	d.stopped = true
	cancel, done := d.cancel, d.done
	d.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SweepNow runs one pass over every watched holder and returns how many leases it reclaimed.
func (d *Detector) SweepNow() int {
	start := time.Now()
	defer func() {
		sweepDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	d.mu.RLock()
	watched := slices.Clone(d.watched)
	d.mu.RUnlock()

	now := d.clock.Now()
	reclaimed := 0
	for _, t := range watched {
		reclaimed += d.sweepHolder(t, now)
	}
	return reclaimed
}

// sweepSafely runs one pass for the loop, which must outlive any failure.
func (d *Detector) sweepSafely() {
	defer func() {
		if r := recover(); r != nil {
			logRecovered(d.logger, "lease: sweep failed", "panic", r)
		}
	}()
	d.SweepNow()
}

// sweepHolder never lets a failure escape, so one broken holder cannot stop the loop.
func (d *Detector) sweepHolder(t Sweepable, now time.Time) (reclaimed int) {
	defer func() {
		if r := recover(); r != nil {
			logRecovered(d.logger, "lease: sweep failed", "holder", t.Name(), "panic", r)
		}
	}()

	if t.Active() == 0 {
		return 0
	}
	for _, s := range t.Stale(now, d.cfg.Timeout) {
		if d.reclaim(s, now) {
			reclaimed++
		}
	}
	return reclaimed
}

// reclaim revokes s in a defer, so the lease is reclaimed whatever logging does.
func (d *Detector) reclaim(s StaleLease, now time.Time) (reclaimed bool) {
	info := s.Info()
	report := LeakReport{
		Info:        info,
		HeldFor:     now.Sub(info.AcquiredAt),
		ReclaimedAt: now,
	}

	defer func() {
		if reclaimed = s.Reclaim(report); reclaimed {
			d.notifySinks(report)
		}
	}()
	d.logLeak(report)
	return false
}

func (d *Detector) logLeak(report LeakReport) {
	defer func() {
		if r := recover(); r != nil {
			logRecovered(d.logger, "lease: failed to log leaked lease", "lease_id", report.ID.String(), "panic", r)
		}
	}()

	stack := report.Stack
	if stack == "" {
		stack = "(not captured)"
	}
	d.logger.Error("lease: reclaiming leaked lease",
		"holder", report.Holder,
		"lease_id", report.ID.String(),
		"borrower", string(report.Borrower),
		"held_for", report.HeldFor.String(),
		"timeout", d.cfg.Timeout.String(),
		"acquired_at", stack,
	)
}

func (d *Detector) notifySinks(report LeakReport) {
	d.mu.RLock()
	sinks := slices.Clone(d.sinks)
	d.mu.RUnlock()

	for _, s := range sinks {
		d.notifySink(s, report)
	}
}

func (d *Detector) notifySink(s Sink, report LeakReport) {
	defer func() {
		if r := recover(); r != nil {
			logRecovered(d.logger, "lease: leak report sink panicked", "lease_id", report.ID.String(), "panic", r)
		}
	}()

	if err := s.LeakDetected(context.Background(), report); err != nil {
		d.logger.Error("lease: leak report sink failed", "lease_id", report.ID.String(), "error", err)
	}
}

// logRecovered logs a recovered panic. If the logger itself panics, the record is dropped.
func logRecovered(logger *slog.Logger, msg string, args ...any) {
	defer func() { _ = recover() }()
	logger.Error(msg, args...)
}
