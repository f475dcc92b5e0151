// Package bridge runs one scan request on behalf of the controller. The three
// variants differ in where the driver lives: in this process, in a pooled
// worker process or behind a network scan server. All of them present the
// same contract and the same error taxonomy to the caller.
package bridge

import (
	"context"
	"sync"

	"github.com/CZERTAINLY/scanbridge/internal/ipc"
	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// Bridge executes scan requests. Scan blocks until the terminal outcome and
// delivers output to sink in page order; nothing reaches sink once Scan
// returned.
type Bridge interface {
	GetDeviceList(ctx context.Context, opts model.ScanOptions) ([]model.ScanDevice, error)
	Scan(ctx context.Context, opts model.ScanOptions, sink model.Sink) error
}

// InitFunc receives the collaborator configuration of an ipc Init call.
type InitFunc func(ctx context.Context, req ipc.InitRequest) error

// ServeHandler exposes b to ipc clients. When init is not nil the handler
// rejects device and scan calls with not_initialized until Init succeeded.
func ServeHandler(b Bridge, init InitFunc) ipc.Handler {
	return &serveHandler{bridge: b, init: init}
}

type serveHandler struct {
	bridge Bridge
	init   InitFunc

	mx          sync.RWMutex
	initialized bool
}

func (h *serveHandler) Init(ctx context.Context, req ipc.InitRequest) error {
	if h.init != nil {
		if err := h.init(ctx, req); err != nil {
			return err
		}
	}
	h.mx.Lock()
	h.initialized = true
	h.mx.Unlock()
	return nil
}

func (h *serveHandler) ready() error {
	if h.init == nil {
		return nil
	}
	h.mx.RLock()
	defer h.mx.RUnlock()
	if !h.initialized {
		return model.Errorf(model.KindNotInitialized, "no init call received")
	}
	return nil
}

func (h *serveHandler) GetDeviceList(ctx context.Context, opts model.ScanOptions) ([]model.ScanDevice, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	return h.bridge.GetDeviceList(ctx, opts.Local())
}

func (h *serveHandler) Scan(ctx context.Context, opts model.ScanOptions, sink model.Sink) error {
	if err := h.ready(); err != nil {
		return err
	}
	return h.bridge.Scan(ctx, opts.Local(), sink)
}

// guardSink stops forwarding once closed. Drivers which ignore cancellation
// keep calling into it from their own goroutine after Scan returned.
type guardSink struct {
	mx     sync.Mutex
	sink   model.Sink
	closed bool
	images int
}

func (g *guardSink) Progress(p model.Progress) {
	g.mx.Lock()
	defer g.mx.Unlock()
	if !g.closed {
		g.sink.Progress(p)
	}
}

func (g *guardSink) Image(img model.Image) {
	g.mx.Lock()
	defer g.mx.Unlock()
	if !g.closed {
		g.sink.Image(img)
		g.images++
	}
}

func (g *guardSink) close() {
	g.mx.Lock()
	g.closed = true
	g.mx.Unlock()
}
