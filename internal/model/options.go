package model

import (
	"errors"
	"fmt"
)

type DriverKind string

const (
	DriverWIA   DriverKind = "wia"
	DriverTWAIN DriverKind = "twain"
	DriverSANE  DriverKind = "sane"
	DriverICA   DriverKind = "ica"
	DriverESCL  DriverKind = "escl"
	DriverSim   DriverKind = "sim"
)

type PaperSource string

const (
	SourceFlatbed PaperSource = "flatbed"
	SourceFeeder  PaperSource = "feeder"
	SourceDuplex  PaperSource = "duplex"
)

type BitDepth string

const (
	BitDepthColor     BitDepth = "color"
	BitDepthGrayscale BitDepth = "gray"
	BitDepthBW        BitDepth = "bw"
)

// ScanOptions describe one scan request. They are built by the caller and
// never modified by the coordinator.
type ScanOptions struct {
	DeviceID    string      `json:"device_id"`
	Driver      DriverKind  `json:"driver"`
	Resolution  int         `json:"resolution,omitempty"` // dpi
	PaperSource PaperSource `json:"paper_source,omitempty"`
	BitDepth    BitDepth    `json:"bit_depth,omitempty"`

	// routing hints
	UseWorker      bool   `json:"use_worker,omitempty"`
	NetworkAddress string `json:"network_address,omitempty"`
}

const (
	DefaultResolution = 200
	MaxResolution     = 4800
)

// WithDefaults returns a copy with empty fields filled in.
func (o ScanOptions) WithDefaults() ScanOptions {
	if o.Resolution == 0 {
		o.Resolution = DefaultResolution
	}
	if o.PaperSource == "" {
		o.PaperSource = SourceFlatbed
	}
	if o.BitDepth == "" {
		o.BitDepth = BitDepthColor
	}
	return o
}

// Validate reports malformed options as KindInvalidOptions.
func (o ScanOptions) Validate() error {
	var errs []error
	if o.Driver == "" {
		errs = append(errs, errors.New("driver is empty"))
	}
	if o.Resolution < 0 || o.Resolution > MaxResolution {
		errs = append(errs, fmt.Errorf("resolution %d out of range 1-%d", o.Resolution, MaxResolution))
	}
	switch o.PaperSource {
	case "", SourceFlatbed, SourceFeeder, SourceDuplex:
	default:
		errs = append(errs, fmt.Errorf("unknown paper source %q", o.PaperSource))
	}
	switch o.BitDepth {
	case "", BitDepthColor, BitDepthGrayscale, BitDepthBW:
	default:
		errs = append(errs, fmt.Errorf("unknown bit depth %q", o.BitDepth))
	}
	if err := errors.Join(errs...); err != nil {
		return Errorf(KindInvalidOptions, "scan options: %w", err)
	}
	return nil
}

// Local returns a copy without the network routing hint. Used when a request
// has already crossed the network and must execute here.
func (o ScanOptions) Local() ScanOptions {
	o.NetworkAddress = ""
	return o
}

// ScanDevice identifies a selectable device.
type ScanDevice struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Driver DriverKind `json:"driver,omitempty"`
}

func (d ScanDevice) String() string {
	if d.Name == "" {
		return d.ID
	}
	return d.Name + " (" + d.ID + ")"
}
