// Package ui renders resolution progress and results in the terminal.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	colorOK = lipgloss.CompleteAdaptiveColor{
		Dark:  lipgloss.CompleteColor{TrueColor: "#00af00", ANSI256: "34", ANSI: "2"},
		Light: lipgloss.CompleteColor{TrueColor: "#008700", ANSI256: "28", ANSI: "2"},
	}
	colorFail = lipgloss.CompleteAdaptiveColor{
		Dark:  lipgloss.CompleteColor{TrueColor: "#ff5f5f", ANSI256: "203", ANSI: "9"},
		Light: lipgloss.CompleteColor{TrueColor: "#af0000", ANSI256: "124", ANSI: "1"},
	}
	colorProvider = lipgloss.CompleteAdaptiveColor{
		Dark:  lipgloss.CompleteColor{TrueColor: "#5fffff", ANSI256: "86", ANSI: "6"},
		Light: lipgloss.CompleteColor{TrueColor: "#008787", ANSI256: "30", ANSI: "6"},
	}
	colorDim = lipgloss.CompleteAdaptiveColor{
		Dark:  lipgloss.CompleteColor{TrueColor: "#9e9e9e", ANSI256: "247", ANSI: "8"},
		Light: lipgloss.CompleteColor{TrueColor: "#444444", ANSI256: "238", ANSI: "0"},
	}

	StyleSuccess  = lipgloss.NewStyle().Bold(true).Foreground(colorOK)
	StyleError    = lipgloss.NewStyle().Bold(true).Foreground(colorFail)
	StyleProvider = lipgloss.NewStyle().Bold(true).Foreground(colorProvider)
	StyleDim      = lipgloss.NewStyle().Foreground(colorDim)
)

// Interactive reports whether f is a terminal. Spinners and colors are only
// drawn for terminals; pipes get plain lines.
func Interactive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
