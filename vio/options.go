package vio

import (
	"github.com/benbjohnson/clock"

	"github.com/martinbibb-cmd/Clearance-wizard/vision/tagpose"
)

// options configures a System beyond its Config.
type options struct {
	clock    clock.Clock
	detector tagpose.QuadDetector
}

// Option configures how a System is built.
type Option interface {
	apply(*options)
}

// funcOption wraps a function that modifies options into an
// implementation of the Option interface.
type funcOption struct {
	f func(*options)
}

func (fdo *funcOption) apply(do *options) {
	fdo.f(do)
}

func newFuncOption(f func(*options)) *funcOption {
	return &funcOption{
		f: f,
	}
}

// WithClock sets the clock used to measure frame latency.
func WithClock(clk clock.Clock) Option {
	return newFuncOption(func(o *options) {
		o.clock = clk
	})
}

// WithQuadDetector replaces the marker detector built from the tag config.
func WithQuadDetector(detector tagpose.QuadDetector) Option {
	return newFuncOption(func(o *options) {
		o.detector = detector
	})
}
