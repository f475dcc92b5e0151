package imaging_test

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/scanbridge/internal/imaging"
	"github.com/CZERTAINLY/scanbridge/internal/model"

	"github.com/stretchr/testify/require"
)

var (
	red   = color.RGBA{R: 0xff, A: 0xff}
	green = color.RGBA{G: 0xff, A: 0xff}
	blue  = color.RGBA{B: 0xff, A: 0xff}
)

// strip is a 3x1 image: red, green, blue.
func strip() image.Image {
	m := image.NewRGBA(image.Rect(0, 0, 3, 1))
	m.Set(0, 0, red)
	m.Set(1, 0, green)
	m.Set(2, 0, blue)
	return m
}

func rgba(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func TestRotate(t *testing.T) {
	t.Parallel()

	m, err := imaging.Apply(strip(), []string{"rotate:90"})
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 1, 3), m.Bounds())
	require.Equal(t, red, rgba(m.At(0, 0)))
	require.Equal(t, blue, rgba(m.At(0, 2)))

	m, err = imaging.Apply(strip(), []string{"rotate:180"})
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 3, 1), m.Bounds())
	require.Equal(t, blue, rgba(m.At(0, 0)))
	require.Equal(t, red, rgba(m.At(2, 0)))

	m, err = imaging.Apply(strip(), []string{"rotate:270"})
	require.NoError(t, err)
	require.Equal(t, blue, rgba(m.At(0, 0)))
	require.Equal(t, red, rgba(m.At(0, 2)))

	m, err = imaging.Apply(strip(), []string{"rotate:90", "rotate:270"})
	require.NoError(t, err)
	require.Equal(t, red, rgba(m.At(0, 0)))
	require.Equal(t, image.Rect(0, 0, 3, 1), m.Bounds())
}

func TestScaleAndCrop(t *testing.T) {
	t.Parallel()

	m, err := imaging.Apply(strip(), []string{"scale:2"})
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 6, 2), m.Bounds())

	m, err = imaging.Apply(strip(), []string{"crop:1,0,2,1"})
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 2, 1), m.Bounds())
	require.Equal(t, green, rgba(m.At(0, 0)))
	require.Equal(t, blue, rgba(m.At(1, 0)))
}

func TestApplyErrors(t *testing.T) {
	t.Parallel()
	for _, tr := range []string{
		"rotate:45",
		"rotate:left",
		"scale:0",
		"scale:100",
		"crop:0,0,4,1",
		"crop:0,0,1",
		"crop:0,0,0,1",
		"sharpen:1",
	} {
		t.Run(tr, func(t *testing.T) {
			_, err := imaging.Apply(strip(), []string{tr})
			require.Error(t, err)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	for _, f := range []imaging.Format{imaging.PNG, imaging.TIFF, imaging.BMP} {
		t.Run(string(f), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, imaging.Encode(&buf, strip(), f))
			m, err := imaging.Decode(model.Image{Page: 1, Data: buf.Bytes()})
			require.NoError(t, err)
			require.Equal(t, image.Rect(0, 0, 3, 1), m.Bounds())
			require.Equal(t, green, rgba(m.At(1, 0)))
		})
	}

	_, err := imaging.ParseFormat("jpeg")
	require.Error(t, err)
	f, err := imaging.ParseFormat("tif")
	require.NoError(t, err)
	require.Equal(t, imaging.TIFF, f)

	_, err = imaging.Decode(model.Image{Page: 3, Data: []byte("not an image")})
	require.ErrorContains(t, err, "page 3")
}

func TestDirRecorder(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, strip()))

	dir := t.TempDir()
	r := imaging.DirRecorder{Dir: dir, Format: imaging.TIFF}
	err := r.Record(t.Context(), "scan-1", model.Image{
		Page:       2,
		Transforms: []string{"rotate:180"},
		Data:       buf.Bytes(),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "scan-1", "page-0002.tiff"))
	require.NoError(t, err)
	m, err := imaging.Decode(model.Image{Data: data})
	require.NoError(t, err)
	require.Equal(t, blue, rgba(m.At(0, 0)))
}
