//go:build !windows

package main

import (
	"fmt"
	"os"
	"syscall"
)

// ///////////////////////////////////////////////
// PID-File Locking (flock)
// ///////////////////////////////////////////////

// Single-instance enforcement on Linux, macOS, and the BSDs rides on
// flock(2) advisory locks over the PID file. The kernel drops the lock
// when the holder dies, so a crashed daemon never wedges the next start;
// checkStalePID relies on exactly that to tell a live instance from a
// leftover file.

// lockFile takes the exclusive lock on the PID file without blocking. When
// another Soothsayer process holds it, flock fails with EWOULDBLOCK and the
// caller reports the running instance instead of starting a second one.
func lockFile(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	return nil
}

// unlockFile drops the lock during orderly shutdown, before the PID file is
// removed. Closing the descriptor would release it too; the explicit unlock
// keeps shutdown symmetric with startup.
func unlockFile(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}
	return nil
}
