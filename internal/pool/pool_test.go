package pool_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/model"
	"github.com/CZERTAINLY/scanbridge/internal/pool"
	"github.com/CZERTAINLY/scanbridge/internal/worker/workertest"

	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, mode workertest.Mode, modify func(*pool.Config)) *pool.Pool {
	t.Helper()
	cfg := pool.Config{
		Command:        workertest.Command(t, mode),
		MaxWorkers:     2,
		StartupTimeout: 10 * time.Second,
		AcquireTimeout: 5 * time.Second,
		ParentPoll:     100 * time.Millisecond,
	}
	if modify != nil {
		modify(&cfg)
	}
	p, err := pool.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, p.Shutdown(ctx))
	})
	return p
}

func waitExited(t *testing.T, h *pool.Handle) {
	t.Helper()
	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatalf("worker %d still running", h.PID())
	}
}

func TestReuse(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, nil)

	var first pool.HandleID
	for i := range 5 {
		h, err := p.Acquire(t.Context())
		require.NoError(t, err)
		require.True(t, h.Alive())
		require.NoError(t, h.Client().Ping(t.Context()))
		if i == 0 {
			first = h.ID()
		}
		require.Equal(t, first, h.ID())
		p.Release(h, true)
	}

	stats := p.Stats()
	require.Equal(t, uint64(1), stats.Spawned)
	require.Equal(t, 1, stats.Idle)
	require.Zero(t, stats.Busy)
}

func TestPeakConcurrency(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, func(c *pool.Config) { c.MaxWorkers = 3 })

	for range 3 {
		var hs []*pool.Handle
		for range 2 {
			h, err := p.Acquire(t.Context())
			require.NoError(t, err)
			hs = append(hs, h)
		}
		require.NotEqual(t, hs[0].ID(), hs[1].ID())
		for _, h := range hs {
			p.Release(h, true)
		}
	}
	require.Equal(t, uint64(2), p.Stats().Spawned)
}

func TestBusyExclusivity(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, func(c *pool.Config) {
		c.MaxWorkers = 1
		c.AcquireTimeout = 300 * time.Millisecond
	})

	h, err := p.Acquire(t.Context())
	require.NoError(t, err)

	_, err = p.Acquire(t.Context())
	require.ErrorIs(t, err, model.ErrPoolExhausted)

	p.Release(h, true)
	h2, err := p.Acquire(t.Context())
	require.NoError(t, err)
	require.Equal(t, h.ID(), h2.ID())
	p.Release(h2, true)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, func(c *pool.Config) { c.MaxWorkers = 1 })

	h, err := p.Acquire(t.Context())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	got := make(chan *pool.Handle, 1)
	go func() {
		defer wg.Done()
		h2, err := p.Acquire(t.Context())
		if err != nil {
			t.Errorf("Acquire: %v", err)
			return
		}
		got <- h2
	}()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, p.Stats().Busy)
	p.Release(h, true)
	wg.Wait()

	h2 := <-got
	require.Equal(t, h.ID(), h2.ID())
	p.Release(h2, true)
}

func TestAcquireCancelled(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, func(c *pool.Config) { c.MaxWorkers = 1 })

	h, err := p.Acquire(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { p.Release(h, true) })

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, model.ErrCancelled)
}

func TestReleaseUnhealthy(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, nil)

	h, err := p.Acquire(t.Context())
	require.NoError(t, err)
	p.Release(h, false)
	waitExited(t, h)
	require.False(t, h.Alive())

	stats := p.Stats()
	require.Zero(t, stats.Idle)
	require.Equal(t, uint64(1), stats.Retired)

	h2, err := p.Acquire(t.Context())
	require.NoError(t, err)
	require.NotEqual(t, h.ID(), h2.ID())
	p.Release(h2, true)

	// a second release of a returned handle is ignored
	p.Release(h2, false)
	require.Equal(t, 1, p.Stats().Idle)
}

func TestDeadIdleWorkerReplaced(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, nil)

	h, err := p.Acquire(t.Context())
	require.NoError(t, err)
	p.Release(h, true)

	proc, err := os.FindProcess(h.PID())
	require.NoError(t, err)
	require.NoError(t, proc.Kill())
	waitExited(t, h)

	h2, err := p.Acquire(t.Context())
	require.NoError(t, err)
	require.NotEqual(t, h.ID(), h2.ID())
	p.Release(h2, true)
	require.Equal(t, uint64(2), p.Stats().Spawned)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, func(c *pool.Config) { c.HealthInterval = 50 * time.Millisecond })

	h, err := p.Acquire(t.Context())
	require.NoError(t, err)
	p.Release(h, true)

	proc, err := os.FindProcess(h.PID())
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Idle == 0 && s.Retired == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPreSpawn(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, nil)

	require.NoError(t, p.PreSpawn(t.Context(), 5))
	stats := p.Stats()
	require.Equal(t, 2, stats.Idle)
	require.Equal(t, uint64(2), stats.Spawned)
}

func TestSpare(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, func(c *pool.Config) { c.Spare = 1 })

	require.Eventually(t, func() bool {
		return p.Stats().Idle == 1
	}, 10*time.Second, 20*time.Millisecond)

	h, err := p.Acquire(t.Context())
	require.NoError(t, err)
	// the spare is replaced while the first one is busy
	require.Eventually(t, func() bool {
		return p.Stats().Idle == 1
	}, 10*time.Second, 20*time.Millisecond)
	p.Release(h, true)
	require.Equal(t, uint64(2), p.Stats().Spawned)
}

func TestStartupFailures(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		name    string
		mode    workertest.Mode
		command func(t *testing.T) pool.Command
		then    error
	}{
		{name: "failed token", mode: workertest.Fail, then: model.ErrWorkerExited},
		{name: "silent exit", mode: workertest.Exit, then: model.ErrWorkerExited},
		{name: "never ready", mode: workertest.Hang, then: model.ErrHandshakeTimeout},
		{
			name: "no executable",
			command: func(t *testing.T) pool.Command {
				return pool.Command{Path: filepath.Join(t.TempDir(), "scanbridge-worker")}
			},
			then: model.ErrNoWorkerExecutable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newPool(t, tt.mode, func(c *pool.Config) {
				c.StartupTimeout = 500 * time.Millisecond
				if tt.command != nil {
					c.Command = tt.command(t)
				}
			})
			_, err := p.Acquire(t.Context())
			require.Error(t, err)
			require.ErrorIs(t, err, tt.then)

			stats := p.Stats()
			require.Zero(t, stats.Busy)
			require.Zero(t, stats.Starting)
			require.Zero(t, stats.Spawned)
		})
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	p := newPool(t, workertest.Serve, nil)

	busy, err := p.Acquire(t.Context())
	require.NoError(t, err)
	idle, err := p.Acquire(t.Context())
	require.NoError(t, err)
	p.Release(idle, true)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	waitExited(t, busy)
	waitExited(t, idle)

	_, err = p.Acquire(t.Context())
	require.ErrorIs(t, err, pool.ErrClosed)
	require.ErrorIs(t, err, model.ErrPoolExhausted)

	// releasing after shutdown is harmless
	p.Release(busy, true)
	require.Equal(t, uint64(2), p.Stats().Retired)
}

func TestResolveCommand(t *testing.T) {
	t.Parallel()
	exe := filepath.Join(t.TempDir(), "worker")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))

	t.Run("own executable", func(t *testing.T) {
		cmd, err := pool.ResolveCommand(model.Worker{}, false)
		require.NoError(t, err)
		self, err := os.Executable()
		require.NoError(t, err)
		require.Equal(t, self, cmd.Path)
		require.Equal(t, []string{pool.WorkerCommand}, cmd.Args)
	})
	t.Run("configured", func(t *testing.T) {
		cmd, err := pool.ResolveCommand(model.Worker{Path: exe, Args: []string{"serve-worker"}, Env: []string{"A=b"}}, false)
		require.NoError(t, err)
		require.Equal(t, pool.Command{Path: exe, Args: []string{"serve-worker"}, Env: []string{"A=b"}}, cmd)
	})
	t.Run("32-bit missing", func(t *testing.T) {
		_, err := pool.ResolveCommand(model.Worker{Path: exe}, true)
		require.ErrorIs(t, err, model.ErrNoWorkerExecutable)
	})
	t.Run("32-bit", func(t *testing.T) {
		cmd, err := pool.ResolveCommand(model.Worker{Path32: exe}, true)
		require.NoError(t, err)
		require.Equal(t, exe, cmd.Path)
	})
	t.Run("missing", func(t *testing.T) {
		_, err := pool.ResolveCommand(model.Worker{Path: exe + ".missing"}, false)
		require.ErrorIs(t, err, model.ErrNoWorkerExecutable)
	})
	t.Run("directory", func(t *testing.T) {
		_, err := pool.ResolveCommand(model.Worker{Path: t.TempDir()}, false)
		require.ErrorIs(t, err, model.ErrNoWorkerExecutable)
	})
}
