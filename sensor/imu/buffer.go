package imu

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultBufferCapacity holds a few seconds of samples at typical inertial rates.
const DefaultBufferCapacity = 4096

// Buffer queues samples from a high-rate sampling goroutine until the frame loop drains them.
// It is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	gyro     stream
	accel    stream
}

type stream struct {
	samples []Sample
	last    time.Time
	dropped int
}

func (s *stream) add(sample Sample, capacity int) error {
	if !finite(sample.Value) {
		return ErrNonFinite
	}
	if !s.last.IsZero() && !sample.Time.After(s.last) {
		return errors.Wrapf(ErrNonMonotonic, "sample at %v does not follow %v", sample.Time, s.last)
	}
	s.samples = append(s.samples, sample)
	s.last = sample.Time
	if over := len(s.samples) - capacity; over > 0 {
		s.samples = append(s.samples[:0], s.samples[over:]...)
		s.dropped += over
	}
	return nil
}

// drain returns the samples at or before until. The last of them stays queued so that it starts
// the next batch.
func (s *stream) drain(until time.Time) []Sample {
	n := 0
	for n < len(s.samples) && !s.samples[n].Time.After(until) {
		n++
	}
	if n == 0 {
		return nil
	}
	batch := make([]Sample, n)
	copy(batch, s.samples[:n])
	s.samples = append(s.samples[:0], s.samples[n-1:]...)
	return batch
}

// NewBuffer returns a Buffer keeping at most capacity samples per stream; older samples are dropped
// first. A non-positive capacity means DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{capacity: capacity}
}

// AddGyro queues a gyroscope sample. Samples must arrive in strictly increasing time order.
func (b *Buffer) AddGyro(s Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Wrap(b.gyro.add(s, b.capacity), "gyroscope")
}

// AddAccel queues an accelerometer sample. Samples must arrive in strictly increasing time order.
func (b *Buffer) AddAccel(s Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Wrap(b.accel.add(s, b.capacity), "accelerometer")
}

// Drain returns each stream's samples up to and including until. The newest drained sample of each
// stream is kept so consecutive batches share their boundary reading.
func (b *Buffer) Drain(until time.Time) (gyro, accel []Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gyro.drain(until), b.accel.drain(until)
}

// Len returns the number of queued gyroscope and accelerometer samples.
func (b *Buffer) Len() (gyro, accel int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.gyro.samples), len(b.accel.samples)
}

// Dropped returns how many samples each stream lost to the capacity limit.
func (b *Buffer) Dropped() (gyro, accel int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gyro.dropped, b.accel.dropped
}
