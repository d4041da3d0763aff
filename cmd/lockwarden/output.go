package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/lockwarden/internal/models"
	"gopkg.in/yaml.v3"
)

// render writes v as JSON or YAML when -o asks for it, otherwise calls
// table with a tabwriter on stdout.
func render(v any, table func(w *tabwriter.Writer)) error {
	return renderTo(os.Stdout, outputFormat, v, table)
}

func renderTo(out io.Writer, format string, v any, table func(w *tabwriter.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys match the API field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		table(w)
		return w.Flush()
	}
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// indicator renders a lock status dot and tag, coloured on terminals.
func indicator(ind models.LockIndicator) string {
	text := ind.Dot + " " + ind.Tag
	if !useColor() {
		return text
	}
	colors := map[string]string{
		"red":     "#EF4444",
		"green":   "#10B981",
		"yellow":  "#F59E0B",
		"magenta": "#D946EF",
		"gray":    "#6B7280",
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(colors[ind.Color])).Render(text)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String()
}

func until(t *time.Time) string {
	if t == nil {
		return "-"
	}
	d := time.Until(*t).Truncate(time.Second)
	if d < 0 {
		return "expired"
	}
	return d.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printf(format string, args ...any) {
	if outputFormat == "table" {
		fmt.Printf(format, args...)
	}
}
