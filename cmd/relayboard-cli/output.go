package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relayboard/internal/workitem"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// printer renders items on stdout and lifecycle notices on stderr. Notices
// are kept off stdout so json and yaml output stays machine readable.
type printer struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	format string
}

func newPrinter(stdout, stderr io.Writer, format string) *printer {
	return &printer{stdout: stdout, stderr: stderr, format: format}
}

// itemView is the yaml/json shape of an item.
type itemView struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Status      string `json:"status" yaml:"status"`
	Priority    string `json:"priority" yaml:"priority"`
	AssigneeID  string `json:"assigneeId,omitempty" yaml:"assigneeId,omitempty"`
	SprintID    string `json:"sprintId,omitempty" yaml:"sprintId,omitempty"`
	StoryPoints int    `json:"story_points,omitempty" yaml:"story_points,omitempty"`
	Version     int64  `json:"version" yaml:"version"`
	UpdatedAt   string `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

func viewOf(item workitem.Item) itemView {
	view := itemView{
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		Status:      item.Status,
		Priority:    item.Priority,
		AssigneeID:  item.AssigneeID,
		SprintID:    item.SprintID,
		StoryPoints: item.StoryPoints,
		Version:     item.Version,
	}
	if !item.UpdatedAt.IsZero() {
		view.UpdatedAt = item.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func (p *printer) Items(items []workitem.Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	views := make([]itemView, 0, len(items))
	for _, item := range items {
		views = append(views, viewOf(item))
	}
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		return yaml.NewEncoder(p.stdout).Encode(views)
	}
	tw := tabwriter.NewWriter(p.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tSTATUS\tPRIORITY\tASSIGNEE\tTITLE")
	for _, view := range views {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", view.ID, view.Version, view.Status, view.Priority, dashIfEmpty(view.AssigneeID), view.Title)
	}
	return tw.Flush()
}

func (p *printer) Item(item workitem.Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	view := viewOf(item)
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		return yaml.NewEncoder(p.stdout).Encode(view)
	}
	tw := tabwriter.NewWriter(p.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", view.ID)
	fmt.Fprintf(tw, "title:\t%s\n", view.Title)
	fmt.Fprintf(tw, "status:\t%s\n", view.Status)
	fmt.Fprintf(tw, "priority:\t%s\n", view.Priority)
	fmt.Fprintf(tw, "assignee:\t%s\n", dashIfEmpty(view.AssigneeID))
	fmt.Fprintf(tw, "sprint:\t%s\n", dashIfEmpty(view.SprintID))
	fmt.Fprintf(tw, "points:\t%d\n", view.StoryPoints)
	fmt.Fprintf(tw, "version:\t%d\n", view.Version)
	if view.Description != "" {
		fmt.Fprintf(tw, "description:\t%s\n", view.Description)
	}
	return tw.Flush()
}

func (p *printer) Success(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	green.Fprintf(p.stderr, "✓ %s\n", fmt.Sprintf(format, args...))
}

func (p *printer) Info(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cyan.Fprintf(p.stderr, "%s\n", fmt.Sprintf(format, args...))
}

func (p *printer) Pending(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	faint.Fprintf(p.stderr, "… %s\n", fmt.Sprintf(format, args...))
}

func (p *printer) Warning(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	yellow.Fprintf(p.stderr, "⚠ %s\n", fmt.Sprintf(format, args...))
}

// Error prints title and detail in red and returns an error carrying only
// the title, so main does not print it twice.
func (p *printer) Error(title, detail string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	red.Fprintf(p.stderr, "✗ %s\n", title)
	if detail != "" {
		fmt.Fprintf(p.stderr, "  %s\n", detail)
	}
	return reportedError{title: title}
}

// Conflict prints every server-reported conflict message.
func (p *printer) Conflict(messages []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	yellow.Fprintln(p.stderr, "⚠ the item changed on the server and your edit was not applied")
	for _, msg := range messages {
		fmt.Fprintf(p.stderr, "  - %s\n", msg)
	}
}

func dashIfEmpty(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
