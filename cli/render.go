package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mantty/shift"
	"github.com/mattn/go-isatty"
)

const (
	formatText = "text"
	formatJSON = "json"

	timeLayout = "2006-01-02 15:04:05"
)

func printResult(w io.Writer, env shift.Environment, result *shift.RunResult) {
	if result == nil {
		return
	}

	verb := "Migrated"
	if result.Direction == shift.Down {
		verb = "Reverted"
	}
	if result.Fake {
		verb += " (fake)"
	}

	for _, d := range result.Units {
		fmt.Fprintf(w, "%s %s %s\n", verb, d.Version, d.Name)
	}
	if result.Breakpoint != "" {
		fmt.Fprintf(w, "Breakpoint set on %s, skipped. Further rollbacks inhibited.\n", result.Breakpoint)
	}
	if len(result.Units) == 0 && result.Breakpoint == "" {
		fmt.Fprintf(w, "Nothing to do for environment %s\n", env.Name)
	}
}

func renderStatus(w io.Writer, report *shift.StatusReport, format string) error {
	if format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return nil
	}

	color := isTerminal(w)
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Status", "Migration ID", "Started", "Finished", "Migration Name"})
	for _, e := range report.Migrations {
		name := e.MigrationName
		if e.Breakpoint {
			name += " BREAKPOINT SET"
		}
		t.AppendRow(table.Row{
			stateLabel(e.State, color),
			e.Version,
			formatTime(e.StartTime),
			formatTime(e.EndTime),
			name,
		})
	}
	t.Render()

	fmt.Fprintf(w, "environment: %s, ordering by %s time\n", report.Environment, report.VersionOrder)
	fmt.Fprintf(w, "%d up, %d down, %d missing\n", report.Applied, report.Pending, report.Missing)
	return nil
}

func stateLabel(state shift.MigrationState, color bool) string {
	label := string(state)
	if state == shift.StateMissing {
		label = "up"
	}
	if !color {
		if state == shift.StateMissing {
			return label + " (missing)"
		}
		return label
	}

	switch state {
	case shift.StateUp:
		return text.FgGreen.Sprint(label)
	case shift.StateDown:
		return text.FgRed.Sprint(label)
	default:
		return text.FgYellow.Sprint(label + " (missing)")
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
