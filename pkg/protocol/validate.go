package protocol

import (
	"fmt"
	"regexp"
)

var workerNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateWorkerName rejects names that are unsafe as file names or tmux
// window names. Worker names become path components under the state
// directory, so separators and leading dots are refused.
func ValidateWorkerName(name string) error {
	if !workerNameRe.MatchString(name) {
		return Configf("worker name", "%q must match %s", name, workerNameRe.String())
	}
	return nil
}

// LockPath returns the reserved lock file path for a shared state file.
func LockPath(path string) string {
	return fmt.Sprintf("%s%s", path, LockSuffix)
}
