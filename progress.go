package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

// progressCallback renders runner events as a single updating status line.
// It stays silent under --quiet and when stderr is not a terminal.
func progressCallback(label string) transfer.Callback {
	if flagQuiet || !isTerminal(os.Stderr) {
		return func(transfer.Event) {}
	}

	return newProgressPrinter(os.Stderr, label)
}

func newProgressPrinter(w io.Writer, label string) transfer.Callback {
	var started time.Time

	return func(ev transfer.Event) {
		switch ev.Kind {
		case transfer.EventStarted:
			started = ev.At
		case transfer.EventRunning:
			fmt.Fprintf(w, "\r%s: %s%s", label, progressText(ev.Transferred, ev.Total), rateSuffix(ev, started))
		default:
			// Terminal events end the line; the command prints the outcome.
			fmt.Fprintf(w, "\r%s: %s%s (%s)\n", label, progressText(ev.Transferred, ev.Total), rateSuffix(ev, started), ev.Kind)
		}
	}
}

func progressText(done, total int64) string {
	if total <= 0 {
		return formatSize(done)
	}

	return fmt.Sprintf("%s / %s (%d%%)", formatSize(done), formatSize(total), done*100/total)
}

func rateSuffix(ev transfer.Event, started time.Time) string {
	if started.IsZero() || ev.At.IsZero() {
		return ""
	}

	if rate := formatRate(ev.Transferred, ev.At.Sub(started)); rate != "" {
		return ", " + rate
	}

	return ""
}
