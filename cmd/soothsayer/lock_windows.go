//go:build windows

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// ///////////////////////////////////////////////
// PID-File Locking (LockFileEx)
// ///////////////////////////////////////////////

// Single-instance enforcement on Windows uses LockFileEx over the PID file.
// The OS releases the lock when the holding process exits, so checkStalePID
// can distinguish a live daemon from a file a crash left behind. Only the
// first byte is locked; the lock is a mutex, the PID:token content is still
// read and written normally.

// lockRange covers byte 0 of the PID file.
const lockRange = 1

// lockFile takes an exclusive lock on the PID file. LOCKFILE_FAIL_IMMEDIATELY
// makes the call non-blocking, matching the flock LOCK_NB behavior on the
// other platforms: if another Soothsayer instance holds the lock the error
// comes back at once.
func lockFile(f *os.File) error {
	err := windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		lockRange, 0,
		new(windows.Overlapped),
	)
	if err != nil {
		return fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	return nil
}

// unlockFile releases the byte-range lock during orderly shutdown, before
// the PID file is removed.
func unlockFile(f *os.File) error {
	err := windows.UnlockFileEx(
		windows.Handle(f.Fd()),
		0,
		lockRange, 0,
		new(windows.Overlapped),
	)
	if err != nil {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}
	return nil
}
