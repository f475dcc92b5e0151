package pool

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/scanbridge/internal/ipc"
	"github.com/CZERTAINLY/scanbridge/internal/log"
	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// spawn starts a worker and returns it once it is authenticated and
// initialized. Any failure kills the process.
func (p *Pool) spawn(ctx context.Context) (*Handle, error) {
	key, err := ipc.NewKey()
	if err != nil {
		return nil, err
	}
	id := HandleID(p.nextID.Add(1))

	proto := p.cfg.Command
	proto.Args = append(slices.Clone(proto.Args), strconv.Itoa(os.Getpid()))
	proto.Env = append(slices.Clone(proto.Env),
		ipc.EnvKey+"="+ipc.EncodeKey(key),
		ipc.EnvParentPoll+"="+p.cfg.ParentPoll.String(),
	)

	proc, err := startProcess(ctx, proto, p.group, forwardStderr)
	if err != nil {
		var perr *fs.PathError
		if errors.Is(err, exec.ErrNotFound) || errors.As(err, &perr) {
			return nil, model.Errorf(model.KindNoWorkerExecutable, "starting worker %s: %w", proto.Path, err)
		}
		return nil, model.Errorf(model.KindWorkerExited, "starting worker %s: %w", proto.Path, err)
	}
	ctx = log.Worker(ctx, proc.PID(), uint64(id))

	h, err := p.connect(ctx, id, proc, key)
	if err != nil {
		if kerr := proc.kill(context.WithoutCancel(ctx)); kerr != nil {
			slog.ErrorContext(ctx, "killing failed worker", "error", kerr)
		}
		return nil, err
	}
	slog.InfoContext(ctx, "worker spawned")
	return h, nil
}

func (p *Pool) connect(ctx context.Context, id HandleID, proc *process, key []byte) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()

	line, err := proc.readLine(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, model.Errorf(model.KindHandshakeTimeout, "worker %d not ready within %s", proc.PID(), p.cfg.StartupTimeout)
		}
		return nil, model.Cancelled(ctx.Err())
	case err != nil:
		return nil, model.Errorf(model.KindWorkerExited, "worker exited during startup: %s", proc.Result())
	case strings.HasPrefix(line, ipc.FailedToken):
		reason := strings.TrimSpace(strings.TrimPrefix(line, ipc.FailedToken))
		return nil, model.Errorf(model.KindWorkerExited, "worker failed to start: %s", reason)
	case line != ipc.ReadyToken:
		return nil, model.Errorf(model.KindChannelBroken, "unexpected worker startup line %q", line)
	}

	client, err := ipc.Dial(ctx, ipc.Endpoint(proc.PID()), key)
	if err != nil {
		return nil, err
	}
	if client.PID() != proc.PID() {
		_ = client.Close()
		return nil, model.Errorf(model.KindChannelBroken, "endpoint of worker %d is served by pid %d", proc.PID(), client.PID())
	}
	if err := client.Init(ctx, p.cfg.Init); err != nil {
		_ = client.Close()
		if model.KindOf(err) == model.KindCancelled {
			return nil, model.Errorf(model.KindHandshakeTimeout, "initializing worker %d: %w", proc.PID(), err)
		}
		return nil, err
	}
	return &Handle{id: id, proc: proc, client: client}, nil
}

// forwardStderr puts worker log lines into the pool log. The worker logs JSON
// already, which is kept as a single attribute.
func forwardStderr(ctx context.Context, line string) {
	slog.InfoContext(ctx, "worker", "stderr", line)
}
