package cmd

import (
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/artemis-suite/artemis/internal/config"
)

var instanceLock *flock.Flock

// AcquireLock takes the single-instance lock. Returns false when another
// process already holds it.
func AcquireLock() (bool, error) {
	lockPath := filepath.Join(config.GetArtemisDir(), "artemis.lock")
	instanceLock = flock.New(lockPath)
	return instanceLock.TryLock()
}

// ReleaseLock releases the single-instance lock, if held.
func ReleaseLock() error {
	if instanceLock == nil {
		return nil
	}
	return instanceLock.Unlock()
}
