package rimage

import (
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"github.com/xfmoulet/qoi"
	"go.uber.org/multierr"
)

// ReadImageFromFile decodes an image file, applying any EXIF orientation. Besides the formats
// imaging knows, ppm and qoi files are accepted.
func ReadImageFromFile(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read image %q", path)
	}
	return img, nil
}

// WriteImageToFile encodes img with the format implied by the file extension.
func WriteImageToFile(path string, img image.Image) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ppm":
		err = encodeFile(path, img, ppm.Encode)
	case ".qoi":
		err = encodeFile(path, img, qoi.Encode)
	default:
		err = imaging.Save(img, path)
	}
	if err != nil {
		return errors.Wrapf(err, "cannot write image %q", path)
	}
	return nil
}

func encodeFile(path string, img image.Image, encode func(io.Writer, image.Image) error) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return encode(f, img)
}
