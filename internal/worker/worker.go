// Package worker is the process side of the worker pool. A worker is the
// scanbridge binary itself started with the hidden _worker command: it hosts
// drivers in-process and serves them over an authenticated ipc endpoint until
// it is told to stop or its parent disappears.
//
// The pool learns the outcome of the startup from the first stdout line,
// which is either ipc.ReadyToken or ipc.FailedToken followed by a reason.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/bridge"
	"github.com/CZERTAINLY/scanbridge/internal/driver"
	"github.com/CZERTAINLY/scanbridge/internal/ipc"
	"github.com/CZERTAINLY/scanbridge/internal/log"
)

const DefaultParentPoll = time.Second

// ErrOrphaned is returned by Run when the parent process went away.
var ErrOrphaned = errors.New("worker: parent process is gone")

// Run serves drivers from registry until a client sends stop, ctx ends or
// the parent dies. The last element of args is the parent pid, the shared
// key comes from ipc.EnvKey. Startup failures are reported on stdout with
// ipc.FailedToken as well as returned.
func Run(ctx context.Context, registry *driver.Registry, args []string, stdout io.Writer) error {
	fail := func(err error) error {
		_, _ = fmt.Fprintf(stdout, "%s %s\n", ipc.FailedToken, oneLine(err))
		return err
	}

	if len(args) == 0 {
		return fail(errors.New("missing parent pid argument"))
	}
	ppid, err := strconv.Atoi(args[len(args)-1])
	if err != nil || ppid <= 0 {
		return fail(fmt.Errorf("invalid parent pid %q", args[len(args)-1]))
	}
	if !Alive(ppid) {
		return fail(fmt.Errorf("parent %d is not running", ppid))
	}
	key, err := ipc.DecodeKey(os.Getenv(ipc.EnvKey))
	if err != nil {
		return fail(err)
	}
	// drivers may spawn helpers of their own
	_ = os.Unsetenv(ipc.EnvKey)

	poll, err := parentPoll()
	if err != nil {
		return fail(err)
	}

	endpoint := ipc.Endpoint(os.Getpid())
	ln, err := ipc.Listen(endpoint)
	if err != nil {
		return fail(err)
	}

	ctx = log.ContextAttrs(ctx,
		slog.Int("worker_pid", os.Getpid()),
		slog.Int("parent_pid", ppid),
	)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchParent(ctx, ppid, poll, cancel)
	}()
	defer wg.Wait()

	srv := ipc.NewServer(newHandler(registry), key)
	if _, err := fmt.Fprintln(stdout, ipc.ReadyToken); err != nil {
		_ = ln.Close()
		return fmt.Errorf("announcing readiness: %w", err)
	}
	slog.InfoContext(ctx, "worker ready", "endpoint", endpoint)

	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	if errors.Is(context.Cause(ctx), ErrOrphaned) {
		slog.WarnContext(ctx, "parent process is gone: exiting")
		return ErrOrphaned
	}
	slog.InfoContext(ctx, "worker stopped")
	return nil
}

func watchParent(ctx context.Context, ppid int, poll time.Duration, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !Alive(ppid) {
				cancel(ErrOrphaned)
				return
			}
		}
	}
}

func parentPoll() (time.Duration, error) {
	v := os.Getenv(ipc.EnvParentPoll)
	if v == "" {
		return DefaultParentPoll, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", ipc.EnvParentPoll, v)
	}
	return d, nil
}

func oneLine(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}

func newHandler(registry *driver.Registry) ipc.Handler {
	local := bridge.NewInProcess(registry, driver.Environment{}, bridge.Blocking())
	return bridge.ServeHandler(local, func(ctx context.Context, req ipc.InitRequest) error {
		local.SetEnvironment(driver.Environment{
			TempDir:     req.TempDir,
			RecoveryDir: req.RecoveryDir,
			OCR:         req.OCR,
		})
		slog.DebugContext(ctx, "worker initialized", "temp_dir", req.TempDir, "ocr", req.OCR.Enabled)
		return nil
	})
}
