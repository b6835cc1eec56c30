// Package diag routes pass diagnostics. Warnings go through commonlog so
// they land on the same stream in CLI and LSP modes; fatals indicate a
// malformed module or a bug in a pass and abort the process.
package diag

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("stabilizer")

// Warningf reports a recoverable condition; the transformation continues.
func Warningf(format string, args ...interface{}) {
	log.Warningf(format, args...)
}

// Infof reports pass progress at info verbosity.
func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// exit is swapped out by tests that exercise fatal paths.
var exit = os.Exit

// Fatalf prints the diagnostic and terminates the process. Invariant
// violations are programmer errors; no recovery is attempted.
func Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)
	fmt.Fprintln(os.Stderr, color.RedString("fatal: %s", msg))
	exit(1)
}
