package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/CZERTAINLY/scanbridge/internal/log"
)

// StderrFunc receives the stderr lines of a worker process.
type StderrFunc func(ctx context.Context, line string)

// Command is the prototype of a worker process.
type Command struct {
	Path string
	Args []string
	Env  []string // appended to the environment of the pool process
}

// Result describes a finished worker process.
type Result struct {
	PID     int
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// process supervises one started worker. Unlike a plain exec.CommandContext
// its lifetime is not bound to the context of the call which spawned it.
type process struct {
	cmd    *exec.Cmd
	group  *group
	stdout io.ReadCloser

	// Wait closes the stderr pipe, so the reader must finish first
	stderrWG sync.WaitGroup

	done   chan struct{}
	mx     sync.RWMutex
	result Result
}

// startProcess runs proto inside group. It does NOT wait for the process to
// finish, use Done and Result. An internal goroutine forwards stderr lines to
// stderrFunc.
func startProcess(ctx context.Context, proto Command, g *group, stderrFunc StderrFunc) (*process, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = append(os.Environ(), proto.Env...)
	g.prepare(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr io.ReadCloser
	if stderrFunc != nil {
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return nil, err
		}
	}

	p := &process{
		cmd:    cmd,
		group:  g,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	p.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p.result.PID = cmd.Process.Pid
	if err := g.add(cmd.Process); err != nil {
		slog.WarnContext(ctx, "worker not added to process group", "pid", p.result.PID, "error", err)
	}

	if stderr != nil {
		sctx := log.ContextAttrs(context.WithoutCancel(ctx), slog.Int("worker_pid", p.result.PID))
		p.stderrWG.Add(1)
		go func() {
			defer p.stderrWG.Done()
			processStderr(sctx, stderr, stderrFunc)
		}()
	}
	go p.wait()
	return p, nil
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing worker stderr", "error", err)
	}
}

func (p *process) wait() {
	p.stderrWG.Wait()
	err := p.cmd.Wait()
	stopped := time.Now().UTC()

	p.mx.Lock()
	p.result.Stopped = stopped
	p.result.State = p.cmd.ProcessState
	p.result.Err = err
	p.mx.Unlock()
	close(p.done)
}

func (p *process) PID() int {
	return p.result.PID
}

// Done is closed once the process exited and was reaped.
func (p *process) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome, only meaningful after Done is closed.
func (p *process) Result() Result {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.result
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// readLine returns the first line the process prints on stdout. The rest of
// stdout is discarded.
func (p *process) readLine(ctx context.Context) (string, error) {
	type line struct {
		s   string
		err error
	}
	ch := make(chan line, 1)
	go func() {
		r := bufio.NewReader(p.stdout)
		s, err := r.ReadString('\n')
		ch <- line{s: s, err: err}
		if err == nil {
			_, _ = io.Copy(io.Discard, r)
		}
	}()

	select {
	case l := <-ch:
		if l.err != nil && l.s == "" {
			// the process is gone, give wait a moment to record why
			select {
			case <-p.done:
			case <-time.After(time.Second):
			}
			return "", l.err
		}
		return trimEOL(l.s), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// kill terminates the process and everything it started, then waits for it
// to be reaped.
func (p *process) kill(ctx context.Context) error {
	if p.exited() {
		return nil
	}
	if err := p.group.kill(p.cmd.Process); err != nil && !p.exited() {
		return fmt.Errorf("killing worker %d: %w", p.PID(), err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker %d: %w", p.PID(), ctx.Err())
	}
}

func (r Result) String() string {
	if r.State == nil {
		return fmt.Sprintf("pid %d: %v", r.PID, r.Err)
	}
	return fmt.Sprintf("pid %d: %s", r.PID, r.State)
}
