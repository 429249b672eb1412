// Package runlock serializes runs per tracking namespace. The tracker's
// full-rewrite persistence cannot tolerate two writers, so each run takes
// a file lock named after its namespace and fails fast when it is held.
package runlock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"intake/internal/services"
)

// Lock is a held per-namespace run lock.
type Lock struct {
	flock *flock.Flock
	path  string
}

// Acquire takes the lock for a namespace, creating the lock directory if
// needed. A held lock is a configuration error: the caller reports it and
// exits rather than waiting.
func Acquire(dir, namespace string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "runlock", "acquire", "create lock directory", err)
	}
	path := filepath.Join(dir, namespace+".lock")
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "runlock", "acquire", fmt.Sprintf("lock %s", path), err)
	}
	if !locked {
		return nil, services.Wrap(services.ErrConfiguration, "runlock", "acquire",
			fmt.Sprintf("another run holds %s", path), nil)
	}
	return &Lock{flock: fl, path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release drops the lock. Safe on nil.
func (l *Lock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	return l.flock.Unlock()
}
