package sim

import (
	"bytes"
	"context"
	"image/png"
	"testing"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseCatalog(t *testing.T) {
	devices, err := ParseCatalog("a=1; b=3,feeder ;c=2,duplex,delay=10ms;d=0,offline,empty,crash,crash-mid,crash-late,stubborn")
	require.NoError(t, err)
	require.Equal(t, []Device{
		{ID: "a", Pages: 1},
		{ID: "b", Pages: 3, Feeder: true},
		{ID: "c", Pages: 2, Feeder: true, Duplex: true, Delay: 10 * time.Millisecond},
		{ID: "d", Offline: true, Empty: true, Crash: true, CrashMid: true, CrashLate: true, Stubborn: true},
	}, devices)

	devices, err = ParseCatalog("")
	require.NoError(t, err)
	require.NotNil(t, devices)
	require.Empty(t, devices)

	for _, bad := range []string{"a", "=1", "a=x", "a=-1", "a=1,laser", "a=1,delay=soon"} {
		_, err := ParseCatalog(bad)
		require.Error(t, err, bad)
	}
}

func TestCatalogFromEnv(t *testing.T) {
	t.Setenv(EnvDevices, "solo=2")
	devices, err := CatalogFromEnv()
	require.NoError(t, err)
	require.Equal(t, []Device{{ID: "solo", Pages: 2}}, devices)
}

type pages struct {
	progress []model.Progress
	images   []model.Image
}

func (p *pages) Progress(pr model.Progress) { p.progress = append(p.progress, pr) }
func (p *pages) Image(img model.Image)      { p.images = append(p.images, img) }

func TestScan(t *testing.T) {
	d := New(DefaultCatalog())
	devices, err := d.GetDeviceList(t.Context(), model.ScanOptions{})
	require.NoError(t, err)
	require.Len(t, devices, len(DefaultCatalog()))

	var p pages
	err = d.Scan(t.Context(), model.ScanOptions{
		Driver:      model.DriverSim,
		DeviceID:    "duplex",
		PaperSource: model.SourceDuplex,
		BitDepth:    model.BitDepthGrayscale,
		Resolution:  20,
	}, &p)
	require.NoError(t, err)
	require.Len(t, p.progress, 15)
	require.Len(t, p.images, 5)
	for i, img := range p.images {
		require.Equal(t, i+1, img.Page)
		require.Equal(t, model.PixelGray8, img.PixelFormat)
		require.Equal(t, 17, img.Width)
		require.Equal(t, 22, img.Height)
		if img.Page%2 == 0 {
			require.Equal(t, []string{"rotate:180"}, img.Transforms)
		} else {
			require.Empty(t, img.Transforms)
		}
		decoded, err := png.Decode(bytes.NewReader(img.Data))
		require.NoError(t, err)
		require.Equal(t, 17, decoded.Bounds().Dx())
	}
}

func TestScanErrors(t *testing.T) {
	devices, err := ParseCatalog("flat=1;adf=2,feeder;off=1,offline;empty=2,feeder,empty")
	require.NoError(t, err)
	d := New(devices)

	var tests = []struct {
		name string
		opts model.ScanOptions
		then error
	}{
		{"not found", model.ScanOptions{DeviceID: "nope"}, model.ErrDeviceNotFound},
		{"offline", model.ScanOptions{DeviceID: "off"}, model.ErrDeviceOffline},
		{"no feeder", model.ScanOptions{DeviceID: "flat", PaperSource: model.SourceFeeder}, model.ErrFeederUnsupported},
		{"no duplex", model.ScanOptions{DeviceID: "adf", PaperSource: model.SourceDuplex}, model.ErrDuplexUnsupported},
		{"empty", model.ScanOptions{DeviceID: "empty", PaperSource: model.SourceFeeder}, model.ErrNoPages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p pages
			require.ErrorIs(t, d.Scan(t.Context(), tt.opts, &p), tt.then)
			require.Empty(t, p.images)
		})
	}
}

func TestScanCancel(t *testing.T) {
	devices, err := ParseCatalog("slow=3,feeder,delay=1h;stuck=2,feeder,stubborn,delay=20ms")
	require.NoError(t, err)
	d := New(devices)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	var p pages
	err = d.Scan(ctx, model.ScanOptions{DeviceID: "slow", PaperSource: model.SourceFeeder, Resolution: 10}, &p)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, p.images)

	// stubborn devices finish anyway
	err = d.Scan(ctx, model.ScanOptions{DeviceID: "stuck", PaperSource: model.SourceFeeder, Resolution: 10}, &p)
	require.NoError(t, err)
	require.Len(t, p.images, 2)
}

func TestCrash(t *testing.T) {
	devices, err := ParseCatalog("early=2,feeder,crash;mid=2,feeder,crash-mid;late=2,feeder,crash-late")
	require.NoError(t, err)
	d := New(devices)
	var codes []int
	d.exit = func(code int) {
		codes = append(codes, code)
		panic("exit")
	}

	var p pages
	require.PanicsWithValue(t, "exit", func() {
		_ = d.Scan(t.Context(), model.ScanOptions{DeviceID: "early", PaperSource: model.SourceFeeder, Resolution: 10}, &p)
	})
	require.Empty(t, p.images)

	require.PanicsWithValue(t, "exit", func() {
		_ = d.Scan(t.Context(), model.ScanOptions{DeviceID: "mid", PaperSource: model.SourceFeeder, Resolution: 10}, &p)
	})
	require.Empty(t, p.images)
	require.Equal(t, []model.Progress{{Page: 1, Fraction: 0}, {Page: 1, Fraction: 0.5}}, p.progress)

	require.PanicsWithValue(t, "exit", func() {
		_ = d.Scan(t.Context(), model.ScanOptions{DeviceID: "late", PaperSource: model.SourceFeeder, Resolution: 10}, &p)
	})
	require.Len(t, p.images, 1)
	require.Equal(t, []int{CrashExitCode, CrashExitCode, CrashExitCode}, codes)
}
