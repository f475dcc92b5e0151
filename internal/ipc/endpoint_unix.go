//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Endpoint returns the socket path of the worker with the given pid.
func Endpoint(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("scanbridge-%d-%d.sock", os.Getuid(), pid))
}

// Listen opens a unix socket only the current user may connect to.
func Listen(endpoint string) (net.Listener, error) {
	// a stale socket of a crashed worker with a recycled pid
	_ = os.Remove(endpoint)
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", endpoint, err)
	}
	if err := os.Chmod(endpoint, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restricting %s: %w", endpoint, err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
	return ln, nil
}

func dialEndpoint(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", endpoint)
}
