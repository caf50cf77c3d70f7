package reporter

import (
	"os"

	"github.com/mattn/go-isatty"
)

// New picks a terminal reporter when stdout is an interactive TTY, and a
// structured log reporter otherwise (piped output, cron, a service unit).
// withLog additionally attaches a log reporter alongside the terminal one,
// for runs that want both a human-watchable terminal and a durable log.
func New(verbose, withLog bool) Reporter {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return NewLogReporter()
	}

	term := NewTerminalReporter(verbose)
	if withLog {
		return NewCompositeReporter(term, NewLogReporter())
	}
	return term
}
