package timectrl

import (
	"context"
	"sync"
	"time"
)

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime waits one wall-clock interval per tick.
	RealTime Mode = iota
	// Accelerated advances as quickly as listeners allow, still stepping by Tick.
	Accelerated
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// Option configures a TimeController.
type Option func(*TimeController)

// WithInterval sets the wall-clock interval between ticks in RealTime mode.
// It defaults to Tick, so simulation time follows wall time; a shorter
// interval speeds the simulation up.
func WithInterval(d time.Duration) Option {
	return func(tc *TimeController) {
		if d > 0 {
			tc.Interval = d
		}
	}
}

// TimeController drives simulation time and notifies registered listeners.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Interval  time.Duration
	Mode      Mode

	currentTime time.Time
	listeners   []func(time.Time)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode, opts ...Option) *TimeController {
	tc := &TimeController{
		StartTime:   start,
		Tick:        tick,
		Interval:    tick,
		Mode:        mode,
		currentTime: start,
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the simulation clock to t. A running controller continues
// from t on its next tick; listeners are not invoked.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the controller from StartTime in a separate goroutine until
// duration of simulation time has elapsed (forever when duration <= 0) or ctx
// is cancelled. It returns a channel that is closed when the controller
// finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		tc.currentTime = tc.StartTime
		tc.mu.Unlock()

		if tc.Tick <= 0 {
			return
		}

		var tickC <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Interval)
			defer ticker.Stop()
			tickC = ticker.C
		}

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}

			if tickC != nil {
				select {
				case <-ctx.Done():
					return
				case <-tickC:
				}
			} else if ctx.Err() != nil {
				return
			}

			tc.mu.Lock()
			tc.currentTime = tc.currentTime.Add(tc.Tick)
			simTime := tc.currentTime
			listeners := append([]func(time.Time){}, tc.listeners...)
			tc.mu.Unlock()
			elapsed += tc.Tick

			for _, fn := range listeners {
				fn(simTime)
			}
		}
	}()
	return done
}
