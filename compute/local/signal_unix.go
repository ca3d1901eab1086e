//go:build !windows

package local

import (
	"os"
	"syscall"
)

func signalTerm(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
