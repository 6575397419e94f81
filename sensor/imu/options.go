package imu

import (
	"github.com/golang/geo/r3"

	"github.com/martinbibb-cmd/Clearance-wizard/logging"
)

// StandardGravity is the default world-frame gravity, z up.
var StandardGravity = r3.Vector{Z: -9.81}

// options configures pre-integration.
type options struct {
	gravity r3.Vector
	logger  logging.Logger
}

func defaultOptions() options {
	return options{gravity: StandardGravity}
}

// Option configures how inertial batches are integrated.
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

// WithGravity sets the world-frame gravity vector in m/s^2.
func WithGravity(g r3.Vector) Option {
	return newFuncOption(func(o *options) {
		o.gravity = g
	})
}

// WithLogger sets the logger used to report skipped integration steps.
func WithLogger(logger logging.Logger) Option {
	return newFuncOption(func(o *options) {
		o.logger = logger
	})
}
