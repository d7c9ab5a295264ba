package scanning

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/portgate/internal/probe"
)

// PrintOptions controls PrintResults.
type PrintOptions struct {
	// All includes closed, filtered and error ports.
	All bool
	// Color enables ANSI state colouring.
	Color bool
}

var stateColors = map[probe.State]color.Attribute{
	probe.StateOpen:     color.FgGreen,
	probe.StateClosed:   color.FgRed,
	probe.StateFiltered: color.FgYellow,
	probe.StateError:    color.FgMagenta,
}

// PrintResults renders result as a summary header and a port table.
func PrintResults(w io.Writer, result *Result, opts PrintOptions) error {
	if result == nil {
		_, err := fmt.Fprintln(w, "No results available")
		return err
	}

	fmt.Fprintf(w, "Scan %s of %s", result.ScanID, result.Target)
	if result.Address != "" && result.Address != result.Target {
		fmt.Fprintf(w, " (%s)", result.Address)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Type: %s  Started: %s  Duration: %v\n",
		result.ScanType, result.StartTime.Format(time.RFC3339), result.Duration.Round(time.Millisecond))

	counts := result.StateCounts()
	fmt.Fprintf(w, "Ports: %d scanned, %d open, %d closed, %d filtered, %d error\n",
		len(result.Ports), counts[probe.StateOpen], counts[probe.StateClosed],
		counts[probe.StateFiltered], counts[probe.StateError])

	var notes []string
	if result.Cached {
		notes = append(notes, "served from cache")
	}
	if result.Incomplete {
		notes = append(notes, "incomplete")
	}
	if result.Warning != "" {
		notes = append(notes, result.Warning)
	}
	if len(notes) > 0 {
		fmt.Fprintf(w, "Note: %s\n", strings.Join(notes, "; "))
	}
	switch {
	case result.OS != nil:
		fmt.Fprintf(w, "OS: %s\n", result.OS)
	case result.OSError != "":
		fmt.Fprintf(w, "OS: unknown (%s)\n", result.OSError)
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(result.Ports))
	for i := range result.Ports {
		p := &result.Ports[i]
		if !opts.All && p.State != probe.StateOpen {
			continue
		}
		rows = append(rows, []string{
			strconv.Itoa(int(p.Port)),
			string(p.Protocol),
			paintState(p, opts.Color),
			p.Service,
			p.Version,
			confidence(p),
			p.Reason,
		})
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No open ports found")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Port", "Proto", "State", "Service", "Version", "Confidence", "Reason")
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func paintState(p *probe.PortResult, enabled bool) string {
	text := p.DisplayState()
	attr, ok := stateColors[p.State]
	if !ok {
		return text
	}
	if p.OpenFiltered() {
		attr = color.FgCyan
	}
	c := color.New(attr)
	if enabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(text)
}

func confidence(p *probe.PortResult) string {
	if p.Service == "" || p.Confidence == 0 {
		return ""
	}
	return fmt.Sprintf("%.0f%%", p.Confidence*100)
}
