package camera

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/storaged/storaged/pkg/errors"
)

const (
	PreviewMaxSize = 160
	PreviewQuality = 80
)

// Preview returns the JPEG preview of an image. The thumbnail embedded in
// the EXIF block is used when present, as a camera would; otherwise the
// image is decoded and scaled down.
func Preview(r io.ReadSeeker) ([]byte, error) {
	orientation := 1
	if x, err := exif.Decode(r); err == nil {
		if thumb, err := x.JpegThumbnail(); err == nil && len(thumb) > 0 {
			return thumb, nil
		}
		if tag, err := x.Get(exif.Orientation); err == nil {
			if v, err := tag.Int(0); err == nil {
				orientation = v
			}
		}
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDeviceIO, "rewind for preview")
	}
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no preview available").WithCause(err)
	}

	img = orient(img, orientation)
	thumb := imaging.Fit(img, PreviewMaxSize, PreviewMaxSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: PreviewQuality}); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDeviceIO, "encode preview")
	}
	return buf.Bytes(), nil
}

// orient applies an EXIF orientation value.
func orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
