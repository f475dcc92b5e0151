package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/ipc"
	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// outcome of one scan call on a remote peer.
type outcome struct {
	err    error
	images int
	// healthy peers ended the scan with a terminal message the taxonomy
	// knows about
	healthy bool
	// broken means the connection failed before a terminal message
	broken bool
}

// drain runs a scan call on client and forwards its stream to sink. When ctx
// ends a single cancel is sent and the stream is drained for grace more;
// output received after the cancel is dropped.
func drain(ctx context.Context, client *ipc.Client, opts model.ScanOptions, sink model.Sink, grace time.Duration) outcome {
	stream, err := client.Scan(ctx, opts)
	if err != nil {
		return outcome{err: err, broken: model.IsTransport(err)}
	}
	defer stream.Close()

	var (
		o         outcome
		recvCtx   = ctx
		cancelled bool
	)
	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			if err := stream.Cancel(); err != nil {
				slog.WarnContext(ctx, "sending cancel failed", "error", err)
				o.err = model.Cancelled(context.Cause(ctx))
				o.broken = true
				return o
			}
			var stop context.CancelFunc
			recvCtx, stop = context.WithTimeout(context.WithoutCancel(ctx), grace)
			defer stop()
			slog.DebugContext(ctx, "scan cancelled: waiting for acknowledgement", "grace", grace)
		}

		ev, err := stream.Recv(recvCtx)
		if err != nil {
			switch {
			case cancelled:
				if recvCtx.Err() != nil {
					slog.WarnContext(ctx, "cancellation not acknowledged in time: discarding worker", "grace", grace)
				} else {
					o.broken = true
				}
				o.err = model.Cancelled(context.Cause(ctx))
			case ctx.Err() != nil:
				continue
			default:
				o.err = err
				o.broken = true
			}
			return o
		}

		switch {
		case ev.Done:
			o.healthy = !model.IsTransport(ev.Err)
			o.err = ev.Err
			if cancelled || ctx.Err() != nil {
				o.err = model.Cancelled(context.Cause(ctx))
			}
			return o
		case cancelled || ctx.Err() != nil:
			// dropped, the loop sends the cancel
		case ev.Progress != nil:
			sink.Progress(*ev.Progress)
		case ev.Image != nil:
			sink.Image(*ev.Image)
			o.images++
		}
	}
}
