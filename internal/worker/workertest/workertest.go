// Package workertest turns a test binary into a scanbridge worker. Call Main
// from TestMain and start workers with Command.
package workertest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/CZERTAINLY/scanbridge/internal/driver"
	"github.com/CZERTAINLY/scanbridge/internal/driver/sim"
	"github.com/CZERTAINLY/scanbridge/internal/ipc"
	"github.com/CZERTAINLY/scanbridge/internal/log"
	"github.com/CZERTAINLY/scanbridge/internal/pool"
	"github.com/CZERTAINLY/scanbridge/internal/worker"
)

// EnvMode selects what the re-executed test binary does.
const EnvMode = "SCANBRIDGE_TEST_WORKER"

type Mode string

const (
	// Serve is a working sim worker.
	Serve Mode = "serve"
	// Fail reports a startup failure on stdout.
	Fail Mode = "fail"
	// Exit dies without printing anything.
	Exit Mode = "exit"
	// Hang never becomes ready.
	Hang Mode = "hang"
)

// Main runs the tests, or acts as a worker when the binary was started by
// Command.
func Main(m *testing.M) {
	mode := Mode(os.Getenv(EnvMode))
	if mode == "" {
		goleak.VerifyTestMain(m)
		return
	}
	os.Exit(run(mode))
}

func run(mode Mode) int {
	switch mode {
	case Fail:
		fmt.Println(ipc.FailedToken, "driver host is broken")
		return 1
	case Exit:
		return 3
	case Hang:
		time.Sleep(time.Minute)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	slog.SetDefault(log.New(os.Stderr, true))

	registry := driver.NewRegistry()
	sim.Register(registry)
	if err := worker.Run(ctx, registry, os.Args[1:], os.Stdout); err != nil {
		slog.ErrorContext(ctx, "worker failed", "error", err)
		return 1
	}
	return 0
}

// Command returns a worker command re-executing the running test binary in
// mode. Extra environment, like a sim device catalogue, is appended.
func Command(t testing.TB, mode Mode, env ...string) pool.Command {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locating test binary: %v", err)
	}
	return pool.Command{
		Path: exe,
		Args: []string{pool.WorkerCommand},
		Env:  append([]string{EnvMode + "=" + string(mode)}, env...),
	}
}
