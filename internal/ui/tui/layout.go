package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailtask/internal/theme"
)

// layout tracks the terminal size and renders the fixed bars.
type layout struct {
	width  int
	height int
}

// bodyHeight is what is left for the message list after the header,
// the status bar and the given number of panel lines.
func (l layout) bodyHeight(panels int) int {
	h := l.height - 2 - panels
	if h < 1 {
		return 1
	}
	return h
}

// bar renders left and right aligned text across the full width.
func (l layout) bar(style lipgloss.Style, left, right string) string {
	leftRendered := style.Render(left)
	rightRendered := style.Render(right)

	gap := l.width - lipgloss.Width(leftRendered) - lipgloss.Width(rightRendered)
	if gap < 0 {
		gap = 0
	}

	filler := lipgloss.NewStyle().
		Width(gap).
		Background(style.GetBackground()).
		Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top, leftRendered, filler, rightRendered)
}

func (l layout) header(title, status string) string {
	return l.bar(theme.HeaderStyle, title, status)
}

func (l layout) statusBar(hints, right string) string {
	return l.bar(theme.StatusBarStyle, hints, right)
}

// panel frames content to the full width.
func (l layout) panel(content string) string {
	w := l.width - theme.PanelStyle.GetHorizontalFrameSize()
	if w < 10 {
		w = 10
	}
	return theme.PanelStyle.Width(w).Render(content)
}
