package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// byteUnits are binary units, largest first.
var byteUnits = []struct {
	size   int64
	suffix string
}{
	{1 << 40, "TB"},
	{1 << 30, "GB"},
	{1 << 20, "MB"},
	{1 << 10, "KB"},
}

// formatSize renders a byte count, e.g. "5.0 MB".
func formatSize(n int64) string {
	for _, u := range byteUnits {
		if n >= u.size {
			return fmt.Sprintf("%.1f %s", float64(n)/float64(u.size), u.suffix)
		}
	}

	return fmt.Sprintf("%d B", n)
}

// formatRate renders the average throughput of n bytes over elapsed.
// It returns "" when elapsed is too short to be meaningful.
func formatRate(n int64, elapsed time.Duration) string {
	if elapsed < 100*time.Millisecond {
		return ""
	}

	perSec := int64(float64(n) / elapsed.Seconds())

	return formatSize(perSec) + "/s"
}

// formatEnded renders when a transfer ended, relative to now for recent
// entries and as a date otherwise.
func formatEnded(t, now time.Time) string {
	age := now.Sub(t)

	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age/time.Minute))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age/time.Hour))
	case t.Year() == now.Year():
		return t.Local().Format("Jan _2 15:04")
	default:
		return t.Local().Format("Jan _2  2006")
	}
}

// printTable writes headers and rows as tab-aligned columns.
func printTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}
