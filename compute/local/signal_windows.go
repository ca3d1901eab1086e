package local

import "os"

func signalTerm(p *os.Process) error {
	return p.Kill()
}
