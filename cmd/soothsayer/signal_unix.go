// Unix/Darwin signal handling and platform endpoints.
//
// This file is compiled on all non-Windows platforms (Linux, macOS, *BSD).
// It listens for both SIGINT (Ctrl+C) and SIGTERM, the conventional signal
// sent by process managers (systemd, launchd) and container runtimes to
// request a graceful stop. SIGUSR1 toggles tracking suspend/resume.

//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// signalChannel returns a buffered channel that receives SIGINT and SIGTERM.
// The buffer size of 1 ensures the signal is not lost if the receiver is
// briefly busy when the signal arrives.
func signalChannel() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

// suspendChannel returns a buffered channel that receives SIGUSR1. Each
// delivery toggles the daemon between suspended and resumed tracking, so a
// user can pause drop attribution without stopping the process.
func suspendChannel() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	return ch
}

// ///////////////////////////////////////////////
// Feed Endpoint
// ///////////////////////////////////////////////

// feedEndpoint returns the unix socket path for the totals feed.
func feedEndpoint(dp DataPaths) string {
	return dp.FeedSocket()
}
