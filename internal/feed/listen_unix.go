// listen_unix.go creates the feed endpoint as a unix domain socket. A stale
// socket file from a crashed daemon is removed before binding; the PID lock
// already guarantees no live daemon owns it.

//go:build !windows

package feed

import (
	"errors"
	"fmt"
	"net"
	"os"
)

func listen(endpoint string) (net.Listener, error) {
	if err := os.Remove(endpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale feed socket: %w", err)
	}
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, err
	}
	// Same-user consumers only.
	if err := os.Chmod(endpoint, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restricting feed socket permissions: %w", err)
	}
	return ln, nil
}
