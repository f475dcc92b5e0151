package pool

import (
	"fmt"
	"os"
	"slices"

	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// WorkerCommand is the hidden subcommand turning scanbridge into a worker.
const WorkerCommand = "_worker"

// ResolveCommand finds the worker executable. Without a configured path the
// running executable is started with WorkerCommand. Drivers which exist only
// as 32-bit builds need worker.path32.
func ResolveCommand(cfg model.Worker, need32 bool) (Command, error) {
	path := cfg.Path
	if need32 {
		if cfg.Path32 == "" {
			return Command{}, model.Errorf(model.KindNoWorkerExecutable, "driver needs a 32-bit worker and worker.path32 is not configured")
		}
		path = cfg.Path32
	}
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return Command{}, model.Errorf(model.KindNoWorkerExecutable, "locating own executable: %w", err)
		}
		path = exe
	}

	info, err := os.Stat(path)
	switch {
	case err != nil:
		return Command{}, model.Errorf(model.KindNoWorkerExecutable, "worker executable: %w", err)
	case info.IsDir():
		return Command{}, model.Errorf(model.KindNoWorkerExecutable, "worker executable %s is a directory", path)
	}

	args := slices.Clone(cfg.Args)
	if len(args) == 0 {
		args = []string{WorkerCommand}
	}
	return Command{
		Path: path,
		Args: args,
		Env:  slices.Clone(cfg.Env),
	}, nil
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}
