// Package styles provides consistent styling for the cqrs CLI.
package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Color palette
var (
	Primary      = lipgloss.Color("#2563EB") // Blue
	PrimaryLight = lipgloss.Color("#60A5FA")
	Secondary    = lipgloss.Color("#06B6D4") // Cyan

	Success     = lipgloss.Color("#10B981")
	Warning     = lipgloss.Color("#F59E0B")
	WarningSoft = lipgloss.Color("#FBBF24")
	Error       = lipgloss.Color("#EF4444")
	Info        = lipgloss.Color("#3B82F6")

	Text      = lipgloss.Color("#F9FAFB")
	TextMuted = lipgloss.Color("#9CA3AF")
	TextDim   = lipgloss.Color("#6B7280")
	Surface   = lipgloss.Color("#1F2937")
	Border    = lipgloss.Color("#374151")
)

// Text styles
var (
	Bold = lipgloss.NewStyle().
		Bold(true)

	// Title style for headers
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryLight)

	Normal = lipgloss.NewStyle().
		Foreground(Text)

	Muted = lipgloss.NewStyle().
		Foreground(TextMuted)

	Dim = lipgloss.NewStyle().
		Foreground(TextDim)

	Highlight = lipgloss.NewStyle().
			Bold(true).
			Foreground(Secondary)

	// Code style for inline commands
	Code = lipgloss.NewStyle().
		Foreground(WarningSoft).
		Background(Surface).
		Padding(0, 1)
)

// Status styles
var (
	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error)
	InfoStyle    = lipgloss.NewStyle().Foreground(Info)
)

// Icons
const (
	IconSuccess   = "✓"
	IconError     = "✗"
	IconWarning   = "⚠"
	IconInfo      = "ℹ"
	IconArrow     = "→"
	IconDot       = "•"
	IconPending   = "◌"
	IconList      = "☰"
	IconStream    = "⇶"
	IconDatabase  = "🗄️"
	IconPerson    = "👤"
	IconSession   = "⏱"
	IconRecording = "🎙"
	IconBrand     = "📰"
)

func newRoundedBox(borderColor lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor).
		Padding(1, 2)
}

// Box styles for containers
var (
	Box        = newRoundedBox(Border)
	BoxSuccess = newRoundedBox(Success)
	BoxError   = newRoundedBox(Error)
	InfoBox    = newRoundedBox(Info).MarginTop(1)
)

// List styles
var (
	ListItem = lipgloss.NewStyle().
			PaddingLeft(2).
			Foreground(Text)

	ListItemBullet = lipgloss.NewStyle().
			Foreground(Primary).
			PaddingRight(1)

	Indent = lipgloss.NewStyle().
		PaddingLeft(2)
)

// FormatSuccess formats a success message with icon
func FormatSuccess(msg string) string {
	return SuccessStyle.Render(IconSuccess) + " " + Normal.Render(msg)
}

// FormatError formats an error message with icon
func FormatError(msg string) string {
	return ErrorStyle.Render(IconError) + " " + Normal.Render(msg)
}

// FormatWarning formats a warning message with icon
func FormatWarning(msg string) string {
	return WarningStyle.Render(IconWarning) + " " + Normal.Render(msg)
}

// FormatInfo formats an info message with icon
func FormatInfo(msg string) string {
	return InfoStyle.Render(IconInfo) + " " + Normal.Render(msg)
}

// FormatStep formats a step in a process, e.g. "[2/5] add_email".
func FormatStep(step, total int, msg string) string {
	stepStyle := lipgloss.NewStyle().
		Foreground(TextMuted).
		Width(8)
	return stepStyle.Render(fmt.Sprintf("[%d/%d]", step, total)) + " " + msg
}

// FormatKeyValue formats a key-value pair
func FormatKeyValue(key, value string) string {
	keyStyle := lipgloss.NewStyle().
		Foreground(TextMuted).
		Width(20)
	return keyStyle.Render(key+":") + " " + Highlight.Render(value)
}

// DisableColors renders every style without color, for terminals and
// pipes that can't show it.
func DisableColors() {
	lipgloss.SetColorProfile(termenv.Ascii)
}
