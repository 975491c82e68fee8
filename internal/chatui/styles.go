package chatui

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles used by the chat view.
type Styles struct {
	Header  lipgloss.Style
	Status  lipgloss.Style
	Self    lipgloss.Style
	Partner lipgloss.Style
	System  lipgloss.Style
	Error   lipgloss.Style
	Help    lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#5B4FE9")).
			Padding(0, 1),
		Status:  lipgloss.NewStyle().Foreground(lipgloss.Color("#A0A0B0")),
		Self:    lipgloss.NewStyle().Foreground(lipgloss.Color("#7DD3FC")).Bold(true),
		Partner: lipgloss.NewStyle().Foreground(lipgloss.Color("#F9A8D4")).Bold(true),
		System:  lipgloss.NewStyle().Foreground(lipgloss.Color("#94A3B8")).Italic(true),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171")).Bold(true),
		Help:    lipgloss.NewStyle().Foreground(lipgloss.Color("#64748B")),
	}
}
