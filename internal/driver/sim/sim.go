// Package sim is a simulated scanner driver. It backs tests and demos and is
// the only driver compiled into scanbridge itself.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/driver"
	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// CrashExitCode is the exit status of a simulated driver crash.
const CrashExitCode = 70

var Info = driver.Info{Kind: model.DriverSim}

type Driver struct {
	devices []Device
	exit    func(code int)
}

func New(devices []Device) *Driver {
	return &Driver{
		devices: append([]Device(nil), devices...),
		exit:    os.Exit,
	}
}

// Register makes the sim driver available in r. The catalogue is read from
// the environment of the process opening the driver.
func Register(r *driver.Registry) {
	r.Register(Info, func(driver.Environment) (driver.Driver, error) {
		devices, err := CatalogFromEnv()
		if err != nil {
			return nil, err
		}
		return New(devices), nil
	})
}

func (d *Driver) GetDeviceList(_ context.Context, _ model.ScanOptions) ([]model.ScanDevice, error) {
	ret := make([]model.ScanDevice, 0, len(d.devices))
	for _, dev := range d.devices {
		ret = append(ret, model.ScanDevice{
			ID:     dev.ID,
			Name:   "Simulated " + dev.ID,
			Driver: model.DriverSim,
		})
	}
	return ret, nil
}

func (d *Driver) device(id string) (Device, bool) {
	for _, dev := range d.devices {
		if dev.ID == id {
			return dev, true
		}
	}
	return Device{}, false
}

func (d *Driver) Scan(ctx context.Context, opts model.ScanOptions, sink model.Sink) error {
	opts = opts.WithDefaults()
	dev, ok := d.device(opts.DeviceID)
	if !ok {
		return model.Errorf(model.KindDeviceNotFound, "no simulated device %q", opts.DeviceID)
	}
	switch {
	case dev.Offline:
		return model.Errorf(model.KindDeviceOffline, "device %q does not respond", dev.ID)
	case opts.PaperSource == model.SourceFeeder && !dev.Feeder:
		return model.Errorf(model.KindFeederUnsupported, "device %q has no feeder", dev.ID)
	case opts.PaperSource == model.SourceDuplex && !dev.Duplex:
		return model.Errorf(model.KindDuplexUnsupported, "device %q can not scan duplex", dev.ID)
	case dev.Empty || dev.Pages == 0:
		return model.Errorf(model.KindNoPages, "no pages in feeder of %q", dev.ID)
	}

	if dev.Crash {
		slog.ErrorContext(ctx, "simulated driver crash", "device", dev.ID)
		d.exit(CrashExitCode)
	}

	// a stubborn device never notices cancellation
	pageCtx := ctx
	if dev.Stubborn {
		pageCtx = context.WithoutCancel(ctx)
	}

	for page := 1; page <= dev.Pages; page++ {
		if err := pageCtx.Err(); err != nil {
			return err
		}
		for _, fraction := range []float64{0, 0.5, 1} {
			sink.Progress(model.Progress{Page: page, Fraction: fraction})
			if dev.CrashMid && fraction == 0.5 {
				slog.ErrorContext(ctx, "simulated driver crash inside the first page", "device", dev.ID)
				d.exit(CrashExitCode)
			}
			if fraction < 1 {
				if err := sleep(pageCtx, dev.Delay/2); err != nil {
					return err
				}
			}
		}
		img, err := render(page, opts)
		if err != nil {
			return model.Errorf(model.KindDriverFailure, "rendering page %d: %w", page, err)
		}
		sink.Image(img)

		if dev.CrashLate {
			slog.ErrorContext(ctx, "simulated driver crash after first page", "device", dev.ID)
			d.exit(CrashExitCode)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// render draws a letter sized page with one dark band per page number.
func render(page int, opts model.ScanOptions) (model.Image, error) {
	w := opts.Resolution * 85 / 100
	h := opts.Resolution * 110 / 100
	format := model.PixelFormatFor(opts.BitDepth)

	var img interface {
		image.Image
		Set(x, y int, c color.Color)
	}
	rect := image.Rect(0, 0, w, h)
	if format == model.PixelRGB24 {
		img = image.NewRGBA(rect)
	} else {
		img = image.NewGray(rect)
	}

	band := max(h/(2*page+1), 1)
	for y := range h {
		dark := (y/band)%2 == 1 && y/band < 2*page
		for x := range w {
			var c color.Color = color.White
			if dark {
				c = color.RGBA{R: 0x20, G: 0x30, B: 0x80, A: 0xff}
			}
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return model.Image{}, fmt.Errorf("encoding png: %w", err)
	}

	var transforms []string
	if opts.PaperSource == model.SourceDuplex && page%2 == 0 {
		transforms = append(transforms, "rotate:180")
	}
	return model.Image{
		Page:        page,
		PixelFormat: format,
		Width:       w,
		Height:      h,
		Transforms:  transforms,
		Data:        buf.Bytes(),
	}, nil
}
