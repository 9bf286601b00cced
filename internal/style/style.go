// Package style provides consistent terminal styling using Lipgloss.
package style

import "github.com/charmbracelet/lipgloss"

// Shared styles for CLI output.
var (
	Bold  = lipgloss.NewStyle().Bold(true)
	Dim   = lipgloss.NewStyle().Faint(true)
	Warn  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	Error = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	Good  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// Status glyphs used across commands.
const (
	GlyphOK      = "✓"
	GlyphRunning = "●"
	GlyphStopped = "○"
	GlyphWarn    = "⚠"
)
