// Package ui renders CLI output with terminal colors, falling back to
// plain text when stdout is not a terminal or NO_COLOR is set.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Styles
var (
	passStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true)

	accentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6"))

	dimStyle = lipgloss.NewStyle().
			Faint(true)

	boldStyle = lipgloss.NewStyle().
			Bold(true)
)

// forced overrides terminal detection when non-nil.
var forced *bool

// ForceColor turns styling on or off for the rest of the process,
// regardless of what the terminal supports.
func ForceColor(on bool) {
	forced = &on
}

// Enabled reports whether styled output should be produced. Detection
// runs on every call rather than being cached at init, so changes to
// NO_COLOR during a process (or a test) take effect.
func Enabled() bool {
	if forced != nil {
		return *forced
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !Enabled() {
		return s
	}
	return style.Render(s)
}

// RenderPass styles s as a success marker.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn styles s as a warning.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail styles s as a failure.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderAccent styles s as an informational highlight.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderDim styles s as de-emphasized detail.
func RenderDim(s string) string { return render(dimStyle, s) }

// RenderBold styles s for emphasis.
func RenderBold(s string) string { return render(boldStyle, s) }
