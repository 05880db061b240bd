package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kalambet/hostrd/internal/jobs"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// outcomeColor picks the color a run outcome is printed in.
func outcomeColor(o jobs.Outcome) string {
	switch o {
	case jobs.OutcomeSuccess:
		return colorGreen
	case jobs.OutcomePartialFailure:
		return colorYellow
	default:
		return colorRed
	}
}

// formatRun renders a run as a single status line.
func formatRun(r jobs.JobRun) string {
	line := fmt.Sprintf("%s  %s  processed=%d errors=%d  took %s",
		colorize(outcomeColor(r.Outcome), string(r.Outcome)),
		r.FinishedAt.Local().Format(time.DateTime),
		r.ItemsProcessed,
		r.ErrorsEncountered,
		r.Duration().Round(time.Millisecond),
	)
	if r.Cancelled {
		line += "  (cancelled)"
	}
	if r.LastError != "" {
		line += "\n    last error: " + r.LastError
	}
	return line
}
