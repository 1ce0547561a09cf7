package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the program for m and forwards s to it until the user quits
// or ctx is done. s is closed on return.
func Run(ctx context.Context, s *Surface, m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	go s.Attach(p)
	defer s.Close()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("running tui: %w", err)
	}
	return nil
}
