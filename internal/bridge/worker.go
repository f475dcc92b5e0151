package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/log"
	"github.com/CZERTAINLY/scanbridge/internal/model"
	"github.com/CZERTAINLY/scanbridge/internal/pool"
)

// Worker runs scans in pooled worker processes.
type Worker struct {
	pool  *pool.Pool
	grace time.Duration
}

// NewWorker borrows workers from p. grace bounds how long a cancelled scan
// may take to acknowledge the cancel before its worker is discarded.
func NewWorker(p *pool.Pool, grace time.Duration) *Worker {
	return &Worker{pool: p, grace: grace}
}

func (b *Worker) GetDeviceList(ctx context.Context, opts model.ScanOptions) ([]model.ScanDevice, error) {
	for attempt := 1; ; attempt++ {
		h, err := b.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		wctx := log.Worker(ctx, h.PID(), uint64(h.ID()))
		devices, err := h.Client().GetDeviceList(wctx, opts)
		broken := model.IsTransport(err) && !h.Alive()
		b.pool.Release(h, !model.IsTransport(err))
		if broken && attempt == 1 && ctx.Err() == nil {
			slog.WarnContext(wctx, "worker lost while listing devices: retrying on a new worker", "error", err)
			continue
		}
		return devices, err
	}
}

// Scan borrows a worker for the duration of one scan. A worker lost before
// the first image is replaced once, later failures are reported as they are
// since the caller already holds pages of this scan.
func (b *Worker) Scan(ctx context.Context, opts model.ScanOptions, sink model.Sink) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	rs := &resumeSink{Sink: sink}
	for attempt := 1; ; attempt++ {
		h, err := b.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		wctx := log.Worker(ctx, h.PID(), uint64(h.ID()))
		o := drain(wctx, h.Client(), opts, rs, b.grace)
		b.pool.Release(h, o.healthy)

		if o.broken && o.images == 0 && attempt == 1 && ctx.Err() == nil {
			slog.WarnContext(wctx, "worker lost before the first page: retrying on a new worker", "error", o.err)
			rs.replay = rs.forwarded
			continue
		}
		if o.broken {
			slog.ErrorContext(wctx, "worker lost during scan", "images", o.images, "error", o.err)
		}
		return o.err
	}
}

// resumeSink hides the progress a retried scan repeats. The caller saw it
// already from the lost worker.
type resumeSink struct {
	model.Sink
	last      model.Progress
	forwarded bool
	replay    bool
}

func (s *resumeSink) Progress(p model.Progress) {
	if s.replay {
		if p.Page < s.last.Page || (p.Page == s.last.Page && p.Fraction <= s.last.Fraction) {
			return
		}
		s.replay = false
	}
	s.last = p
	s.forwarded = true
	s.Sink.Progress(p)
}
