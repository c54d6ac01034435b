package lease

import "log/slog"

// Option configures a Holder or a Detector.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	clock    Clock
	detector *Detector
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		clock:  systemClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock leases are aged with.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithDetector attaches a holder to the process-wide leak detector.
// Without it, or with a disabled detector, a holder only counts leases.
func WithDetector(d *Detector) Option {
	return func(o *options) {
		o.detector = d
	}
}
