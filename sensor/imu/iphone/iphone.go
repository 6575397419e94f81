// Package iphone reads inertial samples streamed by a phone sensor logging app, one JSON object
// per line, either from a recorded file or live over TCP.
package iphone

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/martinbibb-cmd/Clearance-wizard/logging"
	"github.com/martinbibb-cmd/Clearance-wizard/sensor/imu"
)

// dialTimeout bounds how long Dial waits for the phone to accept.
const dialTimeout = 3 * time.Second

// standardGravity converts the phone's accelerations, reported in g, to m/s^2.
const standardGravity = 9.81

// Value is a reading that the app may send either as a JSON number or as a quoted number.
type Value float64

// UnmarshalJSON accepts 1.5 and "1.5" alike.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return errors.Wrapf(err, "parsing reading %q", data)
	}
	*v = Value(f)
	return nil
}

// Measurement is one line of the stream. Either group of fields may be missing.
type Measurement struct {
	GyroTimestamp *Value `json:"gyroTimestamp_sinceReboot"`
	RotationRateX *Value `json:"gyroRotationX"`
	RotationRateY *Value `json:"gyroRotationY"`
	RotationRateZ *Value `json:"gyroRotationZ"`

	AccelTimestamp *Value `json:"accelerometerTimestamp_sinceReboot"`
	AccelerationX  *Value `json:"accelerometerAccelerationX"`
	AccelerationY  *Value `json:"accelerometerAccelerationY"`
	AccelerationZ  *Value `json:"accelerometerAccelerationZ"`
}

func vector(x, y, z *Value) (r3.Vector, bool) {
	if x == nil || y == nil || z == nil {
		return r3.Vector{}, false
	}
	return r3.Vector{X: float64(*x), Y: float64(*y), Z: float64(*z)}, true
}

// Gyro returns the rotation rate in rad/s and its timestamp in seconds since the phone booted.
func (m *Measurement) Gyro() (r3.Vector, float64, bool) {
	v, ok := vector(m.RotationRateX, m.RotationRateY, m.RotationRateZ)
	if !ok || m.GyroTimestamp == nil {
		return r3.Vector{}, 0, false
	}
	return v, float64(*m.GyroTimestamp), true
}

// SpecificForce returns the accelerometer reading in m/s^2 and its timestamp. The phone reports
// acceleration in g with gravity pointing along -z when lying face up, so the sign is flipped to
// get the specific force the integrator expects.
func (m *Measurement) SpecificForce() (r3.Vector, float64, bool) {
	v, ok := vector(m.AccelerationX, m.AccelerationY, m.AccelerationZ)
	if !ok || m.AccelTimestamp == nil {
		return r3.Vector{}, 0, false
	}
	return v.Mul(-standardGravity), float64(*m.AccelTimestamp), true
}

// Sink receives decoded samples. *imu.Buffer and the vio system both satisfy it.
type Sink interface {
	AddGyro(imu.Sample) error
	AddAccel(imu.Sample) error
}

// Reader decodes samples from a newline-delimited stream. Phone timestamps are seconds since boot
// and are placed on the wall clock relative to epoch.
type Reader struct {
	scanner *bufio.Scanner
	epoch   time.Time
	logger  logging.Logger

	line      int
	lastGyro  float64
	lastAccel float64
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader, epoch time.Time, logger logging.Logger) *Reader {
	if logger == nil {
		logger = logging.NewBlankLogger("iphone")
	}
	return &Reader{
		scanner:   bufio.NewScanner(r),
		epoch:     epoch,
		logger:    logger,
		lastGyro:  math.Inf(-1),
		lastAccel: math.Inf(-1),
	}
}

func (r *Reader) sample(seconds float64, value r3.Vector) imu.Sample {
	return imu.Sample{Time: r.epoch.Add(time.Duration(math.Round(seconds * float64(time.Second)))), Value: value}
}

// Next returns the samples carried by the next line. Either may be nil when the line lacks that
// sensor or repeats its previous timestamp. It returns io.EOF at the end of the stream.
func (r *Reader) Next() (gyro, accel *imu.Sample, err error) {
	for r.scanner.Scan() {
		r.line++
		text := bytes.TrimSpace(r.scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var m Measurement
		if err := json.Unmarshal(text, &m); err != nil {
			return nil, nil, errors.Wrapf(err, "line %d", r.line)
		}
		if w, ts, ok := m.Gyro(); ok {
			if ts > r.lastGyro {
				s := r.sample(ts, w)
				gyro = &s
				r.lastGyro = ts
			} else {
				r.logger.Debugw("dropping repeated gyroscope sample", "line", r.line, "timestamp", ts)
			}
		}
		if f, ts, ok := m.SpecificForce(); ok {
			if ts > r.lastAccel {
				s := r.sample(ts, f)
				accel = &s
				r.lastAccel = ts
			} else {
				r.logger.Debugw("dropping repeated accelerometer sample", "line", r.line, "timestamp", ts)
			}
		}
		return gyro, accel, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, nil, err
	}
	return nil, nil, io.EOF
}

// Stream feeds every sample from r into sink until the stream ends or ctx is done. It returns the
// number of gyroscope and accelerometer samples delivered.
func Stream(ctx context.Context, r *Reader, sink Sink) (gyroCount, accelCount int, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return gyroCount, accelCount, err
		}
		gyro, accel, err := r.Next()
		if errors.Is(err, io.EOF) {
			return gyroCount, accelCount, nil
		}
		if err != nil {
			return gyroCount, accelCount, err
		}
		if gyro != nil {
			if err := sink.AddGyro(*gyro); err != nil {
				return gyroCount, accelCount, err
			}
			gyroCount++
		}
		if accel != nil {
			if err := sink.AddAccel(*accel); err != nil {
				return gyroCount, accelCount, err
			}
			accelCount++
		}
	}
}

// Dial connects to a phone streaming over TCP at host. The caller closes the returned connection.
func Dial(ctx context.Context, host string, epoch time.Time, logger logging.Logger) (*Reader, io.Closer, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "connecting to phone at %s", host)
	}
	return NewReader(conn, epoch, logger), conn, nil
}
