//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// pipeSDDL grants access to the pipe owner only.
const pipeSDDL = "D:P(A;;GA;;;OW)"

// Endpoint returns the named pipe of the worker with the given pid.
func Endpoint(pid int) string {
	return fmt.Sprintf(`\\.\pipe\scanbridge-%d`, pid)
}

func Listen(endpoint string) (net.Listener, error) {
	ln, err := winio.ListenPipe(endpoint, &winio.PipeConfig{
		SecurityDescriptor: pipeSDDL,
	})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", endpoint, err)
	}
	return ln, nil
}

func dialEndpoint(ctx context.Context, endpoint string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, endpoint)
}
