// Package ui provides the terminal components of the cqrs CLI: spinners,
// rebuild progress, tables and badges.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/cli/styles"
)

// SpinnerType selects a spinner animation.
type SpinnerType int

const (
	SpinnerDots SpinnerType = iota
	SpinnerLine
	SpinnerPoints
	SpinnerMeter
)

// SpinnerModel shows a spinner with a message until a SpinnerDoneMsg
// arrives.
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	result   string
	err      error
}

// NewSpinner creates a new spinner with the given message
func NewSpinner(message string, spinnerType SpinnerType) SpinnerModel {
	s := spinner.New()

	switch spinnerType {
	case SpinnerLine:
		s.Spinner = spinner.Line
	case SpinnerPoints:
		s.Spinner = spinner.Points
	case SpinnerMeter:
		s.Spinner = spinner.Meter
	default:
		s.Spinner = spinner.Dot
	}

	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return SpinnerModel{
		spinner: s,
		message: message,
	}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m SpinnerModel) View() string {
	if m.done {
		if m.err != nil {
			return styles.FormatError(fmt.Sprintf("%s: %v", m.result, m.err)) + "\n"
		}
		return styles.FormatSuccess(m.result) + "\n"
	}

	if m.quitting {
		return styles.FormatWarning("Cancelled") + "\n"
	}

	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// Cancelled reports whether the user quit before the work finished.
func (m SpinnerModel) Cancelled() bool {
	return m.quitting
}

// SpinnerDoneMsg signals that the spinner operation is complete
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// RebuildModel renders the progress of a projector rebuild.
type RebuildModel struct {
	bar      progress.Model
	progress cqrs.RebuildProgress
	quitting bool
}

// NewRebuild creates a progress view for the named projector.
func NewRebuild(projector string) RebuildModel {
	return RebuildModel{
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
			progress.WithoutPercentage(),
		),
		progress: cqrs.RebuildProgress{ProjectionName: projector},
	}
}

func (m RebuildModel) Init() tea.Cmd {
	return nil
}

func (m RebuildModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case RebuildProgressMsg:
		m.progress = cqrs.RebuildProgress(msg)
		if m.progress.Completed {
			return m, tea.Quit
		}
		return m, nil

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m RebuildModel) View() string {
	p := m.progress
	counts := fmt.Sprintf("%d/%d events, %d applied", p.ProcessedEvents, p.TotalEvents, p.AppliedEvents)

	switch {
	case p.Completed && p.Error != nil:
		return styles.FormatError(fmt.Sprintf("Rebuild of %s failed after %s: %v", p.ProjectionName, counts, p.Error)) + "\n"
	case p.Completed:
		return styles.FormatSuccess(fmt.Sprintf("Rebuilt %s: %s in %s", p.ProjectionName, counts, p.Duration.Round(1e6))) + "\n"
	case m.quitting:
		return styles.FormatWarning("Cancelled") + "\n"
	}

	line := m.bar.ViewAs(p.Fraction()) + " " + styles.Muted.Render(counts)
	if p.EstimatedRemaining > 0 {
		line += styles.Dim.Render(fmt.Sprintf(" (~%s left)", p.EstimatedRemaining.Round(1e9)))
	}
	return line + "\n"
}

// Progress returns the last progress received.
func (m RebuildModel) Progress() cqrs.RebuildProgress {
	return m.progress
}

// Cancelled reports whether the user quit before the rebuild finished.
func (m RebuildModel) Cancelled() bool {
	return m.quitting
}

// RebuildProgressMsg carries a rebuild progress update into the model.
type RebuildProgressMsg cqrs.RebuildProgress

// Table collects rows and renders them with rounded borders.
type Table struct {
	headers []string
	rows    [][]string
}

// NewTable creates a new table with headers
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// AddRow adds a row, padding or truncating it to the header count.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table string
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Padding(0, 1)
	cellStyle := lipgloss.NewStyle().
		Foreground(styles.Text).
		Padding(0, 1)

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(styles.Border)).
		Headers(t.headers...).
		Rows(t.rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}

// StatusBadge returns a styled badge for a projector state or a health
// status.
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1)

	switch strings.ToLower(status) {
	case string(cqrs.ProjectionStateRunning), "ok", "healthy", "applied":
		badge = badge.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case string(cqrs.ProjectionStateRebuilding), "pending", "parked":
		badge = badge.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case string(cqrs.ProjectionStateFaulted), "error", "failed":
		badge = badge.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(styles.Surface).Foreground(styles.Text)
	}
	return badge.Render(status)
}

// Banner returns the one-line CLI banner.
func Banner() string {
	return styles.IconBrand + " " + lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Render("cqrs") +
		" " +
		styles.Muted.Render("- people, sessions and recordings as events")
}

// Divider returns a horizontal divider line
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}

// ListItems formats a list of items with bullets
func ListItems(items []string) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(styles.ListItemBullet.Render(styles.IconDot))
		sb.WriteString(styles.ListItem.Render(item))
		sb.WriteString("\n")
	}
	return sb.String()
}

// NumberedList formats a numbered list
func NumberedList(items []string) string {
	var sb strings.Builder
	numStyle := lipgloss.NewStyle().
		Foreground(styles.Primary).
		Width(4)
	for i, item := range items {
		sb.WriteString(numStyle.Render(fmt.Sprintf("%d.", i+1)))
		sb.WriteString(styles.Normal.Render(item))
		sb.WriteString("\n")
	}
	return sb.String()
}
