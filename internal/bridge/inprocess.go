package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/scanbridge/internal/driver"
	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// InProcess calls drivers directly. It is used for drivers which are safe to
// host in the controller process, and inside every worker process.
type InProcess struct {
	registry *driver.Registry
	blocking bool

	mx  sync.RWMutex
	env driver.Environment
}

type InProcessOption func(*InProcess)

// Blocking makes Scan wait for the driver to return even after cancellation.
// Worker processes use it so a driver stuck in an uninterruptible call keeps
// the scan open and the pool can retire the process.
func Blocking() InProcessOption {
	return func(b *InProcess) { b.blocking = true }
}

func NewInProcess(registry *driver.Registry, env driver.Environment, opts ...InProcessOption) *InProcess {
	b := &InProcess{registry: registry, env: env}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetEnvironment changes the collaborator configuration for drivers opened
// from now on.
func (b *InProcess) SetEnvironment(env driver.Environment) {
	b.mx.Lock()
	b.env = env
	b.mx.Unlock()
}

func (b *InProcess) open(kind model.DriverKind) (driver.Driver, error) {
	b.mx.RLock()
	env := b.env
	b.mx.RUnlock()
	return b.registry.Open(kind, env)
}

func (b *InProcess) GetDeviceList(ctx context.Context, opts model.ScanOptions) (devices []model.ScanDevice, err error) {
	d, err := b.open(opts.Driver)
	if err != nil {
		return nil, err
	}
	defer recoverDriver(ctx, &err)
	devices, err = d.GetDeviceList(ctx, opts)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if devices == nil {
		devices = []model.ScanDevice{}
	}
	return devices, nil
}

// Scan runs the driver on a separate goroutine so a driver which does not
// honor ctx can not hold the caller past cancellation, unless Blocking was
// set. Late output is dropped either way.
func (b *InProcess) Scan(ctx context.Context, opts model.ScanOptions, sink model.Sink) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	d, err := b.open(opts.Driver)
	if err != nil {
		return err
	}

	guard := &guardSink{sink: sink}
	defer guard.close()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() { done <- err }()
		defer recoverDriver(ctx, &err)
		err = d.Scan(ctx, opts, guard)
	}()

	select {
	case err := <-done:
		if ctx.Err() != nil {
			return model.Cancelled(context.Cause(ctx))
		}
		return classify(ctx, err)
	case <-ctx.Done():
		guard.close()
		if b.blocking {
			slog.DebugContext(ctx, "scan cancelled: waiting for the driver", "driver", opts.Driver)
			<-done
		} else {
			slog.DebugContext(ctx, "scan cancelled: not waiting for the driver", "driver", opts.Driver)
		}
		return model.Cancelled(context.Cause(ctx))
	}
}

func recoverDriver(ctx context.Context, err *error) {
	if r := recover(); r != nil {
		slog.ErrorContext(ctx, "driver panic", "panic", r)
		*err = model.Errorf(model.KindDriverFailure, "driver panic: %v", r)
	}
}

// classify puts driver errors without a kind under driver_failure.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch model.KindOf(err) {
	case model.KindUnclassified:
		slog.DebugContext(ctx, "unclassified driver error", "error", err)
		return model.Wrap(model.KindDriverFailure, err)
	case model.KindCancelled:
		return model.Cancelled(err)
	default:
		return err
	}
}
