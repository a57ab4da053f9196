//go:build windows

package file

import "golang.org/x/sys/windows"

// lockFile acquires an exclusive lock on fd using LockFileEx.
// This blocks until the lock is available, matching Unix flock behavior.
func lockFile(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &ol)
}

// unlockFile releases the lock on fd using UnlockFileEx.
func unlockFile(fd uintptr) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, &ol)
}
