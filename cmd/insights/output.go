package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/acurioustractor/ledger-insights/internal/storage"
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

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func statusColor(status string) string {
	switch status {
	case storage.RunCompleted: // same value as storage.StageCompleted
		return colorGreen
	case storage.RunFailed:
		return colorRed
	case storage.RunCancelled, storage.StageReused, storage.StageSkipped:
		return colorYellow
	default:
		return colorCyan
	}
}

// writeRun renders a run record for humans.
func writeRun(w io.Writer, run storage.PipelineRun) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Run "+run.ID), colorize(statusColor(run.Status), run.Status))
	if run.DryRun {
		fmt.Fprintln(w, "  dry run")
	}
	if run.OrganizationID != "" {
		fmt.Fprintf(w, "  organization: %s\n", run.OrganizationID)
	}
	if run.ResumedFrom != "" {
		fmt.Fprintf(w, "  resumed from: %s\n", run.ResumedFrom)
	}
	fmt.Fprintf(w, "  triggered by: %s\n", run.TriggeredBy)
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "  units: %d eligible, %d analyzed, %d cached, %d skipped, %d failed\n",
		run.UnitsEligible, run.UnitsAnalyzed, run.UnitsCached, run.UnitsSkipped, run.UnitsFailed)

	for _, st := range run.Stages {
		line := fmt.Sprintf("  %-20s %s", st.Name, colorize(statusColor(st.Status), st.Status))
		if st.Scopes > 0 {
			line += fmt.Sprintf(" (%d scopes)", st.Scopes)
		}
		if st.Error != "" {
			line += ": " + st.Error
		}
		fmt.Fprintln(w, line)
	}
	for _, f := range run.Failures {
		fmt.Fprintf(w, "  %s %s [%s] %s\n", colorize(colorRed, "✗"), f.UnitID, f.Kind, f.Error)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
}
