package iphone_test

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/martinbibb-cmd/Clearance-wizard/logging"
	"github.com/martinbibb-cmd/Clearance-wizard/sensor/imu"
	"github.com/martinbibb-cmd/Clearance-wizard/sensor/imu/iphone"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Example data in the shapes the app sends: quoted numbers, bare numbers and a line with only one
// sensor.
const goodIMUData = `{"gyroTimestamp_sinceReboot":"10.00","gyroRotationX":"0.1","gyroRotationY":"0.2","gyroRotationZ":"0.3",` +
	`"accelerometerTimestamp_sinceReboot":"10.00","accelerometerAccelerationX":"0","accelerometerAccelerationY":"0",` +
	`"accelerometerAccelerationZ":"-1"}
{"gyroTimestamp_sinceReboot":10.01,"gyroRotationX":0.1,"gyroRotationY":0.2,"gyroRotationZ":0.3}

{"gyroTimestamp_sinceReboot":10.01,"gyroRotationX":0.1,"gyroRotationY":0.2,"gyroRotationZ":0.3,` +
	`"accelerometerTimestamp_sinceReboot":10.02,"accelerometerAccelerationX":0.5,"accelerometerAccelerationY":0,` +
	`"accelerometerAccelerationZ":-1}
`

type collector struct {
	gyro, accel []imu.Sample
}

func (c *collector) AddGyro(s imu.Sample) error {
	c.gyro = append(c.gyro, s)
	return nil
}

func (c *collector) AddAccel(s imu.Sample) error {
	c.accel = append(c.accel, s)
	return nil
}

func TestReader(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r := iphone.NewReader(strings.NewReader(goodIMUData), epoch, logger)

	gyro, accel, err := r.Next()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gyro.Time, test.ShouldEqual, epoch.Add(10*time.Second))
	test.That(t, gyro.Value.Sub(r3.Vector{X: 0.1, Y: 0.2, Z: 0.3}).Norm(), test.ShouldBeLessThan, 1e-12)
	// face up at rest is an upward specific force
	test.That(t, accel.Value.Sub(r3.Vector{Z: 9.81}).Norm(), test.ShouldBeLessThan, 1e-12)

	gyro, accel, err = r.Next()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gyro, test.ShouldNotBeNil)
	test.That(t, accel, test.ShouldBeNil)

	// blank lines are skipped and the repeated gyroscope timestamp is dropped
	gyro, accel, err = r.Next()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gyro, test.ShouldBeNil)
	test.That(t, accel.Value.X, test.ShouldAlmostEqual, -0.5*9.81)

	_, _, err = r.Next()
	test.That(t, err, test.ShouldEqual, io.EOF)
}

func TestReaderMalformed(t *testing.T) {
	r := iphone.NewReader(strings.NewReader("{\"gyroRotationX\": \"fast\"}\n"), epoch, nil)
	_, _, err := r.Next()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "line 1")

	r = iphone.NewReader(strings.NewReader("not json\n"), epoch, nil)
	_, _, err = r.Next()
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStream(t *testing.T) {
	var sink collector
	r := iphone.NewReader(strings.NewReader(goodIMUData), epoch, nil)
	gyroCount, accelCount, err := iphone.Stream(context.Background(), r, &sink)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gyroCount, test.ShouldEqual, 2)
	test.That(t, accelCount, test.ShouldEqual, 2)
	test.That(t, len(sink.gyro), test.ShouldEqual, 2)
	test.That(t, sink.accel[1].Time, test.ShouldEqual, epoch.Add(10020*time.Millisecond))

	// samples land in a buffer the same way
	buf := imu.NewBuffer(10)
	r = iphone.NewReader(strings.NewReader(goodIMUData), epoch, nil)
	_, _, err = iphone.Stream(context.Background(), r, buf)
	test.That(t, err, test.ShouldBeNil)
	gyroLen, accelLen := buf.Len()
	test.That(t, gyroLen, test.ShouldEqual, 2)
	test.That(t, accelLen, test.ShouldEqual, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r = iphone.NewReader(strings.NewReader(goodIMUData), epoch, nil)
	_, _, err = iphone.Stream(ctx, r, &sink)
	test.That(t, err, test.ShouldEqual, context.Canceled)
}

// getIphoneServer serves the example data once to the first client.
func getIphoneServer(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		//nolint:errcheck
		conn.Write([]byte(goodIMUData))
	}()
	return l
}

func TestDial(t *testing.T) {
	logger := logging.NewTestLogger(t)

	_, _, err := iphone.Dial(context.Background(), "fake_host:(", epoch, logger)
	test.That(t, err, test.ShouldNotBeNil)

	l := getIphoneServer(t)
	defer l.Close()
	r, conn, err := iphone.Dial(context.Background(), l.Addr().String(), epoch, logger)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()

	var sink collector
	gyroCount, accelCount, err := iphone.Stream(context.Background(), r, &sink)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gyroCount, test.ShouldEqual, 2)
	test.That(t, accelCount, test.ShouldEqual, 2)
}
