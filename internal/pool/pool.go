// Package pool keeps worker processes ready for scans. Acquire hands out an
// idle worker or spawns one, Release puts it back or tears it down. Workers
// are bound to the pool process through a process group or job object and
// poll the liveness of their parent, so none outlives the pool for long.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/scanbridge/internal/ipc"
	"github.com/CZERTAINLY/scanbridge/internal/log"
	"github.com/CZERTAINLY/scanbridge/internal/model"
)

var ErrClosed = model.Errorf(model.KindPoolExhausted, "worker pool is shut down")

type Config struct {
	Command        Command
	MaxWorkers     int
	Spare          int // idle workers kept warm
	StartupTimeout time.Duration
	AcquireTimeout time.Duration
	HealthInterval time.Duration // zero disables health checks
	ParentPoll     time.Duration
	Init           ipc.InitRequest
}

// ConfigFrom builds a pool configuration from the worker section of the
// configuration file.
func ConfigFrom(w model.Worker, cmd Command) Config {
	return Config{
		Command:        cmd,
		MaxWorkers:     w.MaxWorkers,
		Spare:          w.Spare,
		StartupTimeout: w.StartupTimeout,
		AcquireTimeout: w.AcquireTimeout,
		HealthInterval: w.HealthInterval,
		ParentPoll:     w.ParentPoll,
		Init: ipc.InitRequest{
			TempDir:     w.TempDir,
			RecoveryDir: w.RecoveryDir,
			OCR:         w.OCR,
		},
	}
}

type Stats struct {
	Idle     int
	Busy     int
	Starting int
	Spawned  uint64 // workers which became ready
	Retired  uint64 // workers torn down
}

type Pool struct {
	cfg    Config
	group  *group
	nextID atomic.Uint64

	mx       sync.Mutex
	idle     []*Handle
	busy     map[HandleID]*Handle
	starting int
	changed  chan struct{} // closed and replaced on every change of the sets
	closed   bool
	spawned  uint64
	retired  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Pool, error) {
	if cfg.Command.Path == "" {
		return nil, model.Errorf(model.KindNoWorkerExecutable, "worker command is empty")
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("pool: MaxWorkers must be positive, got %d", cfg.MaxWorkers)
	}
	if cfg.Spare > cfg.MaxWorkers {
		cfg.Spare = cfg.MaxWorkers
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.ParentPoll <= 0 {
		cfg.ParentPoll = time.Second
	}

	g, err := newGroup()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		group:   g,
		busy:    make(map[HandleID]*Handle),
		changed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.Spare > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.spareLoop()
		}()
	}
	if cfg.HealthInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.healthLoop()
		}()
	}
	return p, nil
}

// notifyLocked wakes everyone waiting for a change of the sets.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Acquire borrows a worker. It prefers an idle one, spawns a new one while
// under MaxWorkers and otherwise waits up to AcquireTimeout for a release,
// failing with pool_exhausted.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	wctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		p.mx.Lock()
		if p.closed {
			p.mx.Unlock()
			return nil, ErrClosed
		}
		var dead []*Handle
		for len(p.idle) > 0 {
			h := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if !h.Alive() {
				dead = append(dead, h)
				continue
			}
			p.busy[h.id] = h
			p.notifyLocked()
			p.mx.Unlock()
			p.retire(ctx, dead...)
			slog.DebugContext(ctx, "worker acquired", "handle_id", h.id, "worker_pid", h.PID())
			return h, nil
		}
		if len(p.busy)+p.starting < p.cfg.MaxWorkers {
			p.starting++
			p.mx.Unlock()
			p.retire(ctx, dead...)
			return p.acquireNew(ctx, wctx)
		}
		changed := p.changed
		p.mx.Unlock()
		p.retire(ctx, dead...)

		select {
		case <-changed:
		case <-wctx.Done():
			if ctx.Err() != nil {
				return nil, model.Cancelled(context.Cause(ctx))
			}
			return nil, model.Errorf(model.KindPoolExhausted, "all %d workers busy for %s", p.cfg.MaxWorkers, p.cfg.AcquireTimeout)
		}
	}
}

func (p *Pool) acquireNew(ctx, wctx context.Context) (*Handle, error) {
	h, err := p.spawn(wctx)

	p.mx.Lock()
	p.starting--
	if err == nil && p.closed {
		err = ErrClosed
	}
	if err != nil {
		p.notifyLocked()
		p.mx.Unlock()
		if h != nil {
			p.retire(ctx, h)
		}
		if model.KindOf(err) == model.KindCancelled && ctx.Err() == nil {
			return nil, model.Errorf(model.KindPoolExhausted, "no worker ready within %s", p.cfg.AcquireTimeout)
		}
		return nil, err
	}
	p.spawned++
	p.busy[h.id] = h
	p.notifyLocked()
	p.mx.Unlock()
	return h, nil
}

// Release returns a borrowed worker. Healthy workers go back to the idle set,
// others are killed.
func (p *Pool) Release(h *Handle, healthy bool) {
	ctx := log.Worker(context.Background(), h.PID(), uint64(h.id))
	p.mx.Lock()
	if _, ok := p.busy[h.id]; !ok {
		p.mx.Unlock()
		slog.WarnContext(ctx, "release of a worker which is not borrowed: ignoring")
		return
	}
	delete(p.busy, h.id)
	keep := healthy && !p.closed && h.Alive()
	if keep {
		p.idle = append(p.idle, h)
	}
	p.notifyLocked()
	p.mx.Unlock()

	if keep {
		slog.DebugContext(ctx, "worker released")
		return
	}
	slog.InfoContext(ctx, "worker discarded", "healthy", healthy)
	p.retire(ctx, h)
}

// retire kills handles which already left the sets.
func (p *Pool) retire(ctx context.Context, hs ...*Handle) {
	for _, h := range hs {
		kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := h.kill(kctx); err != nil {
			slog.ErrorContext(ctx, "killing worker", "worker_pid", h.PID(), "error", err)
		}
		cancel()
		p.mx.Lock()
		p.retired++
		p.mx.Unlock()
	}
}

// PreSpawn starts up to n idle workers concurrently, never exceeding
// MaxWorkers.
func (p *Pool) PreSpawn(ctx context.Context, n int) error {
	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		return ErrClosed
	}
	n = min(n, p.cfg.MaxWorkers-len(p.idle)-len(p.busy)-p.starting)
	if n <= 0 {
		p.mx.Unlock()
		return nil
	}
	p.starting += n
	p.mx.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for range n {
		g.Go(func() error {
			return p.spawnIdle(gctx)
		})
	}
	return g.Wait()
}

// spawnIdle spawns a worker into the idle set. The caller already counted it
// in starting.
func (p *Pool) spawnIdle(ctx context.Context) error {
	h, err := p.spawn(ctx)
	p.mx.Lock()
	p.starting--
	if err == nil && p.closed {
		err = ErrClosed
	}
	if err != nil {
		p.notifyLocked()
		p.mx.Unlock()
		if h != nil {
			p.retire(ctx, h)
		}
		return err
	}
	p.spawned++
	p.idle = append(p.idle, h)
	p.notifyLocked()
	p.mx.Unlock()
	return nil
}

// spareLoop keeps Spare idle workers around while there is room for them.
func (p *Pool) spareLoop() {
	for {
		p.mx.Lock()
		if p.closed {
			p.mx.Unlock()
			return
		}
		room := p.cfg.MaxWorkers - len(p.idle) - len(p.busy) - p.starting
		missing := min(p.cfg.Spare-len(p.idle)-p.starting, room)
		if missing > 0 {
			p.starting++
		}
		changed := p.changed
		p.mx.Unlock()

		if missing > 0 {
			if err := p.spawnIdle(p.ctx); err != nil {
				if p.ctx.Err() != nil {
					return
				}
				slog.WarnContext(p.ctx, "spawning spare worker", "error", err)
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(p.cfg.StartupTimeout):
				}
			}
			continue
		}
		select {
		case <-p.ctx.Done():
			return
		case <-changed:
		}
	}
}

// healthLoop pings idle workers and retires those which do not answer.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkIdle(p.ctx)
		}
	}
}

func (p *Pool) checkIdle(ctx context.Context) {
	p.mx.Lock()
	idle := append([]*Handle(nil), p.idle...)
	p.mx.Unlock()

	for _, h := range idle {
		err := errors.New("process exited")
		if h.Alive() {
			pctx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
			err = h.client.Ping(pctx)
			cancel()
		}
		if err == nil || ctx.Err() != nil {
			continue
		}

		p.mx.Lock()
		found := false
		for i, x := range p.idle {
			if x == h {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				found = true
				break
			}
		}
		if found {
			p.notifyLocked()
		}
		p.mx.Unlock()
		if found {
			wctx := log.Worker(ctx, h.PID(), uint64(h.id))
			slog.WarnContext(wctx, "idle worker failed health check: retiring", "error", err)
			p.retire(wctx, h)
		}
	}
}

// Shutdown stops every worker, borrowed ones included, and closes the
// process group. The pool can not be used afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		return nil
	}
	p.closed = true
	all := append([]*Handle(nil), p.idle...)
	for _, h := range p.busy {
		all = append(all, h)
	}
	p.idle = nil
	p.busy = make(map[HandleID]*Handle)
	p.notifyLocked()
	p.mx.Unlock()

	p.cancel()
	p.wg.Wait()

	var g errgroup.Group
	for _, h := range all {
		g.Go(func() error {
			return h.stop(ctx)
		})
	}
	err := g.Wait()
	p.mx.Lock()
	p.retired += uint64(len(all))
	p.mx.Unlock()
	return errors.Join(err, p.group.Close())
}

func (p *Pool) Stats() Stats {
	p.mx.Lock()
	defer p.mx.Unlock()
	return Stats{
		Idle:     len(p.idle),
		Busy:     len(p.busy),
		Starting: p.starting,
		Spawned:  p.spawned,
		Retired:  p.retired,
	}
}
