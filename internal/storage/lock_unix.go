//go:build unix

package storage

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile blocks until it holds an exclusive flock on path, creating the
// file if needed. flock locks belong to the open file description, so two
// File values in one process exclude each other as well.
func lockFile(path string) (func(), error) {
	lf, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("opening store lock: %w", err)
	}

	fd := int(lf.Fd())

	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}

	if err != nil {
		lf.Close()
		return nil, fmt.Errorf("locking store: %w", err)
	}

	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		lf.Close()
	}, nil
}
