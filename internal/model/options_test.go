package model_test

import (
	"testing"

	"github.com/CZERTAINLY/scanbridge/internal/model"
	"github.com/stretchr/testify/require"
)

func TestScanOptions(t *testing.T) {
	opts := model.ScanOptions{Driver: model.DriverSim, NetworkAddress: "10.0.0.7:9801"}
	require.NoError(t, opts.Validate())

	def := opts.WithDefaults()
	require.Equal(t, model.DefaultResolution, def.Resolution)
	require.Equal(t, model.SourceFlatbed, def.PaperSource)
	require.Equal(t, model.BitDepthColor, def.BitDepth)
	require.Empty(t, opts.Resolution, "WithDefaults must not modify the receiver")

	require.Empty(t, opts.Local().NetworkAddress)
	require.Equal(t, "10.0.0.7:9801", opts.NetworkAddress)
}

func TestScanOptionsValidate(t *testing.T) {
	var tests = []struct {
		name string
		opts model.ScanOptions
	}{
		{"no driver", model.ScanOptions{}},
		{"resolution", model.ScanOptions{Driver: model.DriverSim, Resolution: model.MaxResolution + 1}},
		{"paper source", model.ScanOptions{Driver: model.DriverSim, PaperSource: "tray"}},
		{"bit depth", model.ScanOptions{Driver: model.DriverSim, BitDepth: "cmyk"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.opts.Validate(), model.ErrInvalidOptions)
		})
	}
}

func TestPixelFormatFor(t *testing.T) {
	require.Equal(t, model.PixelRGB24, model.PixelFormatFor(model.BitDepthColor))
	require.Equal(t, model.PixelGray8, model.PixelFormatFor(model.BitDepthGrayscale))
	require.Equal(t, model.PixelBW1, model.PixelFormatFor(model.BitDepthBW))
}

func TestScanDeviceString(t *testing.T) {
	require.Equal(t, "x1", model.ScanDevice{ID: "x1"}.String())
	require.Equal(t, "Office (x1)", model.ScanDevice{ID: "x1", Name: "Office"}.String())
}
