package sim

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvDevices overrides the simulated device catalogue, see ParseCatalog.
const EnvDevices = "SCANBRIDGE_SIM_DEVICES"

// Device is one simulated scanner.
type Device struct {
	ID        string
	Pages     int
	Feeder    bool
	Duplex    bool
	Offline   bool          // every scan fails with device_offline
	Empty     bool          // the feeder is empty: no_pages
	Crash     bool          // the process dies before the first page
	CrashLate bool          // the process dies after the first page
	CrashMid  bool          // the process dies halfway through the first page
	Stubborn  bool          // cancellation is ignored
	Delay     time.Duration // per page
}

func DefaultCatalog() []Device {
	return []Device{
		{ID: "flatbed", Pages: 1},
		{ID: "feeder", Pages: 3, Feeder: true},
		{ID: "duplex", Pages: 5, Feeder: true, Duplex: true},
		{ID: "offline", Pages: 1, Offline: true},
	}
}

// ParseCatalog parses `id=pages[,flag...];...`. Flags are feeder, duplex,
// offline, empty, crash, crash-mid, crash-late, stubborn and delay=<duration>. An empty
// string is an empty catalogue.
func ParseCatalog(s string) ([]Device, error) {
	devices := []Device{}
	for entry := range strings.SplitSeq(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		d, err := parseDevice(entry)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func parseDevice(entry string) (Device, error) {
	id, rest, ok := strings.Cut(entry, "=")
	if !ok || id == "" {
		return Device{}, fmt.Errorf("sim device %q: expected id=pages", entry)
	}
	fields := strings.Split(rest, ",")
	pages, err := strconv.Atoi(fields[0])
	if err != nil || pages < 0 {
		return Device{}, fmt.Errorf("sim device %q: invalid page count %q", id, fields[0])
	}
	d := Device{ID: id, Pages: pages}
	for _, flag := range fields[1:] {
		switch name, value, _ := strings.Cut(strings.TrimSpace(flag), "="); name {
		case "feeder":
			d.Feeder = true
		case "duplex":
			d.Feeder = true
			d.Duplex = true
		case "offline":
			d.Offline = true
		case "empty":
			d.Empty = true
		case "crash":
			d.Crash = true
		case "crash-mid":
			d.CrashMid = true
		case "crash-late":
			d.CrashLate = true
		case "stubborn":
			d.Stubborn = true
		case "delay":
			d.Delay, err = time.ParseDuration(value)
			if err != nil {
				return Device{}, fmt.Errorf("sim device %q: %w", id, err)
			}
		default:
			return Device{}, fmt.Errorf("sim device %q: unknown flag %q", id, flag)
		}
	}
	return d, nil
}

// CatalogFromEnv reads EnvDevices, falling back to DefaultCatalog when the
// variable is not set at all.
func CatalogFromEnv() ([]Device, error) {
	s, ok := os.LookupEnv(EnvDevices)
	if !ok {
		return DefaultCatalog(), nil
	}
	return ParseCatalog(s)
}
