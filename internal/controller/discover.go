package controller

import (
	"context"

	"github.com/CZERTAINLY/scanbridge/internal/model"
	"github.com/CZERTAINLY/scanbridge/internal/parallel"
)

// Discovery is the device list of one driver kind.
type Discovery struct {
	Driver  model.DriverKind
	Devices []model.ScanDevice
	Err     error
}

// Discover lists devices of several driver kinds concurrently, every kind
// with an implementation when kinds is empty. A failing kind does not stop
// the others.
func (c *Controller) Discover(ctx context.Context, kinds ...model.DriverKind) []Discovery {
	if len(kinds) == 0 {
		kinds = c.registry.Kinds()
	}
	results := parallel.Collect(ctx, 4, kinds, func(ctx context.Context, kind model.DriverKind) ([]model.ScanDevice, error) {
		return c.GetDeviceList(ctx, model.ScanOptions{Driver: kind})
	})

	ret := make([]Discovery, 0, len(results))
	for _, r := range results {
		ret = append(ret, Discovery{Driver: r.In, Devices: r.Out, Err: r.Err})
	}
	return ret
}
