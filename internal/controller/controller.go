// Package controller is the entry point for scan requests. It picks the
// bridge a request runs on, owns the worker pools and turns bridge output
// into a pull based image sequence with optional event callbacks.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/CZERTAINLY/scanbridge/internal/bridge"
	"github.com/CZERTAINLY/scanbridge/internal/driver"
	"github.com/CZERTAINLY/scanbridge/internal/model"
	"github.com/CZERTAINLY/scanbridge/internal/pool"
)

// Option configures a Controller.
type Option func(*Controller)

// WithWorkerCommand replaces worker executable discovery, for both native
// and 32-bit workers.
func WithWorkerCommand(cmd pool.Command) Option {
	return func(c *Controller) {
		c.command = func(model.Worker, bool) (pool.Command, error) {
			return cmd, nil
		}
	}
}

// WithArch overrides the architecture routing decisions are made for.
func WithArch(goarch string) Option {
	return func(c *Controller) {
		c.goarch = goarch
	}
}

type Controller struct {
	cfg      model.Config
	registry *driver.Registry
	local    *bridge.InProcess
	network  *bridge.Network
	command  func(cfg model.Worker, need32 bool) (pool.Command, error)
	goarch   string

	mx      sync.Mutex
	pools   map[bool]*pool.Pool // keyed by need32
	workers map[bool]*bridge.Worker
	closed  bool
}

func New(cfg model.Config, registry *driver.Registry, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		registry: registry,
		local: bridge.NewInProcess(registry, driver.Environment{
			TempDir:     cfg.Worker.TempDir,
			RecoveryDir: cfg.Worker.RecoveryDir,
			OCR:         cfg.Worker.OCR,
		}),
		network: bridge.NewNetwork(cfg.Network),
		command: pool.ResolveCommand,
		goarch:  runtime.GOARCH,
		pools:   make(map[bool]*pool.Pool),
		workers: make(map[bool]*bridge.Worker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Local returns the bridge a scan server exposes. Every request is routed
// like a local one: isolated drivers still run in a worker, the network hint
// is ignored.
func (c *Controller) Local() bridge.Bridge {
	return localRoute{c: c}
}

type localRoute struct {
	c *Controller
}

func (r localRoute) GetDeviceList(ctx context.Context, opts model.ScanOptions) ([]model.ScanDevice, error) {
	opts = opts.Local()
	b, err := r.c.Route(opts)
	if err != nil {
		return nil, err
	}
	return b.GetDeviceList(ctx, opts)
}

func (r localRoute) Scan(ctx context.Context, opts model.ScanOptions, sink model.Sink) error {
	opts = opts.Local()
	b, err := r.c.Route(opts)
	if err != nil {
		return err
	}
	return b.Scan(ctx, opts, sink)
}

// Route returns the bridge opts would run on. Configuration problems, like
// a missing worker executable, are reported here before any process starts.
func (c *Controller) Route(opts model.ScanOptions) (bridge.Bridge, error) {
	if opts.NetworkAddress != "" {
		return c.network, nil
	}
	info, err := c.registry.Lookup(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.UseWorker || info.NeedsIsolation(c.goarch) {
		return c.worker(info.Only32Bit && c.goarch != "386")
	}
	return c.local, nil
}

func (c *Controller) worker(need32 bool) (*bridge.Worker, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return nil, pool.ErrClosed
	}
	if w, ok := c.workers[need32]; ok {
		return w, nil
	}

	cmd, err := c.command(c.cfg.Worker, need32)
	if err != nil {
		return nil, err
	}
	p, err := pool.New(pool.ConfigFrom(c.cfg.Worker, cmd))
	if err != nil {
		return nil, err
	}
	w := bridge.NewWorker(p, c.cfg.Worker.CancelGrace)
	c.pools[need32] = p
	c.workers[need32] = w
	slog.Debug("worker pool created", "command", cmd.String(), "need32", need32)
	return w, nil
}

// PoolStats returns the statistics of the native worker pool, zero when it
// was not used yet.
func (c *Controller) PoolStats() pool.Stats {
	c.mx.Lock()
	p := c.pools[false]
	c.mx.Unlock()
	if p == nil {
		return pool.Stats{}
	}
	return p.Stats()
}

func (c *Controller) GetDeviceList(ctx context.Context, opts model.ScanOptions) ([]model.ScanDevice, error) {
	if opts.Driver == "" {
		return nil, model.Errorf(model.KindInvalidOptions, "driver is empty")
	}
	b, err := c.Route(opts)
	if err != nil {
		return nil, err
	}
	return b.GetDeviceList(ctx, opts)
}

// Close shuts down the worker pools.
func (c *Controller) Close(ctx context.Context) error {
	c.mx.Lock()
	c.closed = true
	pools := c.pools
	c.pools = make(map[bool]*pool.Pool)
	c.workers = make(map[bool]*bridge.Worker)
	c.mx.Unlock()

	var errs []error
	for _, p := range pools {
		errs = append(errs, p.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
