package pool

import (
	"context"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/ipc"
)

// HandleID identifies a handle for the lifetime of the pool. Ids are never
// reused.
type HandleID uint64

// Handle is one worker process and its authenticated client. A handle is
// either idle in the pool or borrowed by exactly one caller.
type Handle struct {
	id     HandleID
	proc   *process
	client *ipc.Client
}

func (h *Handle) ID() HandleID {
	return h.id
}

func (h *Handle) PID() int {
	return h.proc.PID()
}

// Client is only valid while the handle is borrowed.
func (h *Handle) Client() *ipc.Client {
	return h.client
}

// Alive reports whether both the process and its connection are up.
func (h *Handle) Alive() bool {
	if h.proc.exited() {
		return false
	}
	select {
	case <-h.client.Done():
		return false
	default:
		return true
	}
}

// Exited is closed once the worker process is gone.
func (h *Handle) Exited() <-chan struct{} {
	return h.proc.Done()
}

// stop asks the worker to exit and kills it when it does not within ctx.
func (h *Handle) stop(ctx context.Context) error {
	if h.Alive() {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		_ = h.client.Stop(sctx)
		cancel()
		select {
		case <-h.proc.Done():
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
	}
	return h.kill(ctx)
}

// kill tears the worker down without asking.
func (h *Handle) kill(ctx context.Context) error {
	_ = h.client.Close()
	return h.proc.kill(ctx)
}
