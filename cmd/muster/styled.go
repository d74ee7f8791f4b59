package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"muster/pkg/component"
	"muster/pkg/config"
	"muster/pkg/index"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Style definitions
var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	mutedColor     = lipgloss.Color("#6272A4") // Comment
	bgLightColor   = lipgloss.Color("#44475A") // Current Line
	fgColor        = lipgloss.Color("#F8F8F2") // Foreground

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(fgColor)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers(headers...)
}

func createPanel(title, content string) string {
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printIdentity renders a single announcement as a panel of fields.
func printIdentity(w io.Writer, format string, id *component.Identity) error {
	if format == config.OutputJSON {
		return writeJSON(w, id.ToDocument())
	}

	var content strings.Builder
	field := func(label, value string) {
		content.WriteString(labelStyle.Render(label) + valueStyle.Render(value) + "\n")
	}
	field("Component", id.FullName())
	field("Node", id.Node)
	field("Realm", id.Realm)
	field("System", id.System)
	if id.Subsystem != "" {
		field("Subsystem", id.Subsystem)
	}
	field("Timestamp", formatTime(id.Timestamp))
	for _, key := range sortedKeys(id.Attributes) {
		field(key, formatValue(id.Attributes[key]))
	}

	_, err := fmt.Fprintln(w, createPanel(id.String(), strings.TrimRight(content.String(), "\n")))
	return err
}

// printIdentities renders announcements oldest first, as returned by the node.
func printIdentities(w io.Writer, format string, ids []*component.Identity) error {
	if format == config.OutputJSON {
		docs := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			docs = append(docs, id.ToDocument())
		}
		return writeJSON(w, docs)
	}

	if len(ids) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("No components found"))
		return err
	}

	t := newTable("COMPONENT", "NODE", "TIMESTAMP", "ATTRIBUTES")
	for _, id := range ids {
		t.Row(id.FullName(), id.Node, formatTime(id.Timestamp), formatAttributes(id.Attributes))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

// printLogComponents lists every log entry of every component.
func printLogComponents(w io.Writer, format string, ids []*component.Identity) error {
	if format == config.OutputJSON {
		return printIdentities(w, format, ids)
	}
	if len(ids) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("No components found"))
		return err
	}

	t := newTable("COMPONENT", "NODE", "LOG")
	for _, id := range ids {
		for _, entry := range id.LogEntries() {
			t.Row(id.FullName(), id.Node, formatValue(entry))
		}
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

type nodeStatus struct {
	Name      string    `json:"name"`
	Cluster   string    `json:"cluster"`
	Address   string    `json:"address,omitempty"`
	Announces int       `json:"announces"`
	LastSeen  time.Time `json:"last_seen"`
}

// printNodes renders the coordinator's view of the cluster. Nodes not seen
// within staleAfter are highlighted.
func printNodes(w io.Writer, format string, nodes []index.NodeSummary, now time.Time, staleAfter time.Duration) error {
	if format == config.OutputJSON {
		out := make([]nodeStatus, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, nodeStatus(n))
		}
		return writeJSON(w, out)
	}

	var summary strings.Builder
	summary.WriteString(labelStyle.Render("Nodes") + accentValueStyle.Render(fmt.Sprint(len(nodes))) + "\n")
	stale := 0
	total := 0
	for _, n := range nodes {
		total += n.Announces
		if now.Sub(n.LastSeen) > staleAfter {
			stale++
		}
	}
	summary.WriteString(labelStyle.Render("Announces") + valueStyle.Render(fmt.Sprint(total)) + "\n")
	staleStyle := valueStyle
	if stale > 0 {
		staleStyle = warningValueStyle
	}
	summary.WriteString(labelStyle.Render("Stale") + staleStyle.Render(fmt.Sprint(stale)))
	fmt.Fprintln(w, createPanel("Cluster", summary.String()))

	if len(nodes) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("No nodes have published yet"))
		return err
	}

	t := newTable("NODE", "CLUSTER", "ADDRESS", "ANNOUNCES", "LAST SEEN")
	for _, n := range nodes {
		lastSeen := formatAge(now.Sub(n.LastSeen))
		if now.Sub(n.LastSeen) > staleAfter {
			lastSeen += " (stale)"
		}
		t.Row(n.Name, n.Cluster, n.Address, fmt.Sprint(n.Announces), lastSeen)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func formatAttributes(attrs component.Attributes) string {
	parts := make([]string, 0, len(attrs))
	for _, key := range sortedKeys(attrs) {
		parts = append(parts, key+"="+formatValue(attrs[key]))
	}
	return strings.Join(parts, " ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func sortedKeys(attrs component.Attributes) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
