package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")).
			Bold(true)

	filePathStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("147")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Faint(true)

	statsBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("205")).
			Padding(1)
)

// renderResultLine styles the two-line summary of one result.
func renderResultLine(line string) string {
	path, detail, ok := strings.Cut(line, "\n")
	if !ok {
		return line
	}
	if strings.HasPrefix(detail, "→ Error:") {
		return filePathStyle.Render(path) + "\n" + errorStyle.Render(detail)
	}
	return filePathStyle.Render(path) + "\n" + detail
}

func renderField(label, value string) string {
	return labelStyle.Render(label+":") + " " + value
}
