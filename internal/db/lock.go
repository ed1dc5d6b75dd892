package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LockName is the pid lock file inside the data directory.
const LockName = "devtrail.lock"

// ErrLocked is returned when another live process holds the data directory.
var ErrLocked = errors.New("data directory is locked by another devtrail process")

// Lock is an exclusive claim on a data directory.
type Lock struct {
	path string
}

// AcquireLock claims dataDir for this process. A lock left by a process that
// no longer exists is taken over.
func AcquireLock(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	path := filepath.Join(dataDir, LockName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			f.Close()
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("writing lock file: %w", werr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		pid, rerr := readPID(path)
		if rerr == nil && pid != os.Getpid() && processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}
		// Stale or unreadable: remove and retry once.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale lock: %w", err)
		}
	}
	return nil, ErrLocked
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
