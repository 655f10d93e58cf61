// Package lockfile implements cooperative file locks using create-exclusive
// semantics. A lock is a file containing the holder's pid; contenders retry
// with a short sleep until a timeout.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// DefaultTimeout bounds how long Acquire waits for a contended lock.
	DefaultTimeout = 5 * time.Second

	retryInterval = 10 * time.Millisecond
)

// Lock is a held file lock. Release removes it.
type Lock struct {
	path string
}

// Acquire takes the lock at path, retrying until timeout. A timeout <= 0
// uses DefaultTimeout.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file %s: %w", path, firstErr(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out acquiring lock %s after %s", path, timeout)
		}
		time.Sleep(retryInterval)
	}
}

// Release removes the lock file. Best effort: a missing file is tolerated,
// crash recovery may have cleaned it up already.
func (l *Lock) Release() {
	_ = os.Remove(l.path)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
