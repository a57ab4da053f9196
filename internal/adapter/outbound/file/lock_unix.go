//go:build !windows

package file

import "golang.org/x/sys/unix"

// lockFile acquires an exclusive advisory lock on fd, blocking until free.
func lockFile(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX)
}

// unlockFile releases the lock on fd.
func unlockFile(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
