// listen_windows.go creates the feed endpoint as a named pipe
// (\\.\pipe\soothsayer-feed) using the go-winio library.

//go:build windows

package feed

import (
	"net"

	"github.com/Microsoft/go-winio"
)

func listen(endpoint string) (net.Listener, error) {
	return winio.ListenPipe(endpoint, nil)
}
