package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/logrusorgru/aurora"
)

var global = New("molq")

// Configure configures the global logger.
func Configure(c Config) {
	global.Configure(c)
}

// Sub returns a new sub-logger of the global logger with a different namespace.
func Sub(ns string) *Logger {
	return global.Sub(ns)
}

var errOut io.Writer = os.Stderr

// PrintSimpleError prints an error message with an "ERROR:" prefix to
// stderr, in red when stderr is a terminal.
func PrintSimpleError(err error) {
	prefix := "ERROR:"
	if isColorTerminal(errOut) {
		fmt.Fprintln(errOut, aurora.Red(prefix), err.Error())
		return
	}
	fmt.Fprintln(errOut, prefix, err.Error())
}
