package imaging

import (
	"fmt"
	"image"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

type Format string

const (
	PNG  Format = "png"
	TIFF Format = "tiff"
	BMP  Format = "bmp"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case PNG, TIFF, BMP:
		return f, nil
	case "tif":
		return TIFF, nil
	default:
		return "", fmt.Errorf("unsupported image format %q", s)
	}
}

// Ext is the file extension including the dot.
func (f Format) Ext() string {
	return "." + string(f)
}

func Encode(w io.Writer, m image.Image, f Format) error {
	switch f {
	case PNG:
		return png.Encode(w, m)
	case TIFF:
		return tiff.Encode(w, m, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case BMP:
		return bmp.Encode(w, m)
	default:
		return fmt.Errorf("unsupported image format %q", f)
	}
}
