package daemon

import (
	"path/filepath"
)

// runDir holds the daemon's pid, lock and listen-address files.
func runDir(home string) string {
	return filepath.Join(home, "run")
}

func pidPath(home string) string {
	return filepath.Join(runDir(home), "dockerclaw.pid")
}

func lockPath(home string) string {
	return filepath.Join(runDir(home), "dockerclaw.lock")
}

func addrPath(home string) string {
	return filepath.Join(runDir(home), "dockerclaw.addr")
}
