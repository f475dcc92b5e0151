// Package driver describes scanner drivers as the coordinator sees them: a
// device enumeration call and a scan call streaming pages into a model.Sink.
// Driver protocol details (WIA COM, TWAIN DSM, SANE, ICA, eSCL) live in the
// implementations registered by the host application.
package driver

import (
	"context"
	"runtime"
	"slices"

	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// Driver is the narrow contract the coordinator needs.
type Driver interface {
	GetDeviceList(ctx context.Context, opts model.ScanOptions) ([]model.ScanDevice, error)
	// Scan delivers pages to sink in page order and returns when the scan
	// ends. Drivers should stop when ctx is cancelled, but the coordinator
	// copes with drivers that can not.
	Scan(ctx context.Context, opts model.ScanOptions, sink model.Sink) error
}

// Environment is the collaborator configuration a worker receives at Init.
type Environment struct {
	TempDir     string
	RecoveryDir string
	OCR         model.OCR
}

// Factory opens a driver instance.
type Factory func(env Environment) (Driver, error)

// Info describes where and how a driver kind may run.
type Info struct {
	Kind model.DriverKind
	// Platforms lists GOOS values the driver exists on, empty means any.
	Platforms []string
	// Only32Bit drivers must be hosted by a 386 worker on other hosts.
	Only32Bit bool
	// Isolated drivers are crash prone or need their own message pump and
	// always run in a worker process.
	Isolated bool
	// Network drivers talk to a remote device address.
	Network bool
}

// SupportedOn reports whether the driver exists on goos.
func (i Info) SupportedOn(goos string) bool {
	return len(i.Platforms) == 0 || slices.Contains(i.Platforms, goos)
}

// NeedsIsolation reports whether the driver can not run inside a host built
// for goarch.
func (i Info) NeedsIsolation(goarch string) bool {
	return i.Isolated || (i.Only32Bit && goarch != "386")
}

// Known lists the driver kinds the coordinator can route.
var Known = []Info{
	{Kind: model.DriverWIA, Platforms: []string{"windows"}},
	{Kind: model.DriverTWAIN, Platforms: []string{"windows", "darwin", "linux"}, Only32Bit: true, Isolated: true},
	{Kind: model.DriverSANE, Platforms: []string{"linux", "freebsd", "darwin"}},
	{Kind: model.DriverICA, Platforms: []string{"darwin"}},
	{Kind: model.DriverESCL, Network: true},
	{Kind: model.DriverSim},
}

// HostSupports reports whether info can run on the current host.
func HostSupports(info Info) bool {
	return info.SupportedOn(runtime.GOOS)
}
