//go:build windows

package db

import "os"

// FindProcess on Windows opens a handle, which fails for exited processes.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
