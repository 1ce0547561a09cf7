package keys

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the global keybindings for the application.
type KeyMap struct {
	// Navigation
	Down key.Binding
	Up   key.Binding

	// Acknowledge the error banner
	Dismiss key.Binding

	Quit key.Binding
	Help key.Binding

	// Sync
	Refresh    key.Binding
	RefreshOne key.Binding

	// Stop cancels every running task. Only active while busy.
	Stop key.Binding

	// Message actions
	ToggleSeen key.Binding
	ToggleFlag key.Binding
	Archive    key.Binding

	// Interactive toggles whether workers may raise prompts.
	Interactive key.Binding
}

// DefaultKeyMap returns the default set of keybindings.
func DefaultKeyMap() *KeyMap {
	return &KeyMap{
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "down"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "up"),
		),
		Dismiss: key.NewBinding(
			key.WithKeys("esc", "enter"),
			key.WithHelp("esc", "dismiss"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "toggle help"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "sync all"),
		),
		RefreshOne: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "sync account"),
		),
		Stop: key.NewBinding(
			key.WithKeys("x", "ctrl+g"),
			key.WithHelp("x", "stop"),
			key.WithDisabled(),
		),
		ToggleSeen: key.NewBinding(
			key.WithKeys("m"),
			key.WithHelp("m", "read/unread"),
		),
		ToggleFlag: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "flag"),
		),
		Archive: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "archive"),
		),
		Interactive: key.NewBinding(
			key.WithKeys("i"),
			key.WithHelp("i", "toggle prompts"),
		),
	}
}

// ShortHelp returns the most essential keybindings for the compact help view.
func (k *KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{
		k.Up, k.Down, k.RefreshOne, k.Stop,
		k.Quit, k.Help,
	}
}

// FullHelp returns all keybindings grouped by category for the expanded
// help view.
func (k *KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Dismiss, k.Quit, k.Help},
		{k.Refresh, k.RefreshOne, k.Stop, k.Interactive},
		{k.ToggleSeen, k.ToggleFlag, k.Archive},
	}
}
