//go:build unix

package pool

import (
	"errors"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// group puts every worker into its own process group, so a kill reaches the
// helpers a driver may have started too.
type group struct{}

func newGroup() (*group, error) {
	return &group{}, nil
}

func (g *group) prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = sysProcAttr()
}

func (g *group) add(*os.Process) error {
	return nil
}

func (g *group) kill(p *os.Process) error {
	err := unix.Kill(-p.Pid, unix.SIGKILL)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		return p.Kill()
	}
	return err
}

func (g *group) Close() error {
	return nil
}
