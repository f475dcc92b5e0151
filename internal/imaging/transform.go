// Package imaging post-processes scanned pages: it applies the transforms a
// driver attached to a page and encodes the result for storage.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"strconv"
	"strings"

	xdraw "golang.org/x/image/draw"

	"github.com/CZERTAINLY/scanbridge/internal/model"
)

const maxScale = 8

// Decode decodes the page data of img.
func Decode(img model.Image) (image.Image, error) {
	m, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("decoding page %d: %w", img.Page, err)
	}
	return m, nil
}

// Apply runs transforms in order. Known transforms are rotate:90|180|270
// (clockwise), scale:<factor> and crop:<x>,<y>,<w>,<h>.
func Apply(m image.Image, transforms []string) (image.Image, error) {
	for _, t := range transforms {
		name, arg, _ := strings.Cut(t, ":")
		var err error
		switch name {
		case "rotate":
			m, err = rotate(m, arg)
		case "scale":
			m, err = scale(m, arg)
		case "crop":
			m, err = crop(m, arg)
		default:
			err = errors.New("unknown transform")
		}
		if err != nil {
			return nil, fmt.Errorf("transform %q: %w", t, err)
		}
	}
	return m, nil
}

func rotate(m image.Image, arg string) (image.Image, error) {
	deg, err := strconv.Atoi(arg)
	if err != nil {
		return nil, err
	}
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()

	var dst *image.RGBA
	var at func(x, y int) (int, int)
	switch ((deg % 360) + 360) % 360 {
	case 0:
		return m, nil
	case 90:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		at = func(x, y int) (int, int) { return h - 1 - y, x }
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		at = func(x, y int) (int, int) { return w - 1 - x, h - 1 - y }
	case 270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		at = func(x, y int) (int, int) { return y, w - 1 - x }
	default:
		return nil, fmt.Errorf("only quarter turns are supported, got %d", deg)
	}

	for y := range h {
		for x := range w {
			dx, dy := at(x, y)
			dst.Set(dx, dy, m.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst, nil
}

func scale(m image.Image, arg string) (image.Image, error) {
	f, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return nil, err
	}
	if f <= 0 || f > maxScale {
		return nil, fmt.Errorf("factor %g out of range (0, %d]", f, maxScale)
	}
	b := m.Bounds()
	w := max(int(float64(b.Dx())*f+0.5), 1)
	h := max(int(float64(b.Dy())*f+0.5), 1)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), m, b, xdraw.Src, nil)
	return dst, nil
}

func crop(m image.Image, arg string) (image.Image, error) {
	parts := strings.Split(arg, ",")
	if len(parts) != 4 {
		return nil, errors.New("expected x,y,w,h")
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		v[i] = n
	}
	b := m.Bounds()
	r := image.Rect(v[0], v[1], v[0]+v[2], v[1]+v[3]).Add(b.Min)
	if v[2] <= 0 || v[3] <= 0 || !r.In(b) {
		return nil, fmt.Errorf("rectangle %v outside of %v", r, b)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.Draw(dst, dst.Bounds(), m, r.Min, xdraw.Src)
	return dst, nil
}
