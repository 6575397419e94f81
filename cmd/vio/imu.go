package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"github.com/martinbibb-cmd/Clearance-wizard/sensor/imu"
	"github.com/martinbibb-cmd/Clearance-wizard/sensor/imu/iphone"
	"github.com/martinbibb-cmd/Clearance-wizard/spatialmath"
)

// sampleLog keeps every sample it is given.
type sampleLog struct {
	gyro, accel []imu.Sample
}

func (l *sampleLog) AddGyro(s imu.Sample) error {
	l.gyro = append(l.gyro, s)
	return nil
}

func (l *sampleLog) AddAccel(s imu.Sample) error {
	l.accel = append(l.accel, s)
	return nil
}

// imuAction pre-integrates a phone inertial log, read from a file or streamed live, starting from a
// level body at rest.
func (r *runner) imuAction(c *cli.Context) error {
	host := c.String(flagHost)
	if (host == "") == (c.Args().Len() == 0) {
		return errors.New("imu needs either a log file or --host")
	}
	epoch := time.Now()

	var (
		reader *iphone.Reader
		closer io.Closer
	)
	if host != "" {
		var err error
		reader, closer, err = iphone.Dial(c.Context, host, epoch, r.logger.Sublogger("iphone"))
		if err != nil {
			return err
		}
		r.logger.Infow("streaming from phone", "host", host)
	} else {
		//nolint:gosec
		f, err := os.Open(c.Args().First())
		if err != nil {
			return err
		}
		reader, closer = iphone.NewReader(f, epoch, r.logger.Sublogger("iphone")), f
	}
	defer utils.UncheckedErrorFunc(closer.Close)

	var samples sampleLog
	gyroCount, accelCount, err := iphone.Stream(c.Context, reader, &samples)
	if err != nil {
		return err
	}
	delta, err := imu.NewPreintegrator(imu.WithLogger(r.logger.Sublogger("imu"))).
		Integrate(samples.gyro, samples.accel, quat.Number{Real: 1})
	if err != nil {
		return errors.Wrapf(err, "integrating %d gyroscope and %d accelerometer samples", gyroCount, accelCount)
	}

	w := c.App.Writer
	secs := delta.Elapsed.Seconds()
	fmt.Fprintf(w, "%d gyroscope samples (%.1f Hz), %d accelerometer samples (%.1f Hz) over %v\n",
		gyroCount, float64(gyroCount)/secs, accelCount, float64(accelCount)/secs, delta.Elapsed)
	rv := spatialmath.QuatToRotationVector(delta.DeltaRotation)
	fmt.Fprintf(w, "rotation %.4f %.4f %.4f rad\n", rv.X, rv.Y, rv.Z)
	fmt.Fprintf(w, "velocity %.4f %.4f %.4f m/s\n", delta.DeltaVelocity.X, delta.DeltaVelocity.Y, delta.DeltaVelocity.Z)
	fmt.Fprintf(w, "position %.4f %.4f %.4f m\n", delta.DeltaPosition.X, delta.DeltaPosition.Y, delta.DeltaPosition.Z)
	return nil
}
