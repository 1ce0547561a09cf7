package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailtask/internal/model"
	"github.com/nhle/mailtask/internal/store"
	"github.com/nhle/mailtask/internal/theme"
)

// MessageLister reads cached messages.
type MessageLister interface {
	GetMessages(ctx context.Context, filter store.MessageFilter) ([]model.Message, error)
}

// messagesLoadedMsg carries a fresh page of the cache.
type messagesLoadedMsg struct {
	messages []model.Message
	err      error
}

// messageItem adapts a model.Message to bubbles/list.
type messageItem struct {
	msg model.Message
}

func (i messageItem) FilterValue() string { return i.msg.Subject + " " + i.msg.From }

// messageDelegate renders one message per line.
type messageDelegate struct{}

func (messageDelegate) Height() int                             { return 1 }
func (messageDelegate) Spacing() int                            { return 0 }
func (messageDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }

func (messageDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, ok := item.(messageItem)
	if !ok {
		return
	}
	line := formatMessage(it.msg, m.Width())

	style := theme.ListItemStyle
	if index == m.Index() {
		style = theme.SelectedItemStyle
	}
	if !it.msg.Seen() {
		line = theme.UnreadStyle.Render(line)
	} else if index != m.Index() {
		line = theme.DimmedStyle.Render(line)
	}
	_, _ = fmt.Fprint(w, style.Render(line))
}

// formatMessage renders "flags date from subject" truncated to width.
func formatMessage(msg model.Message, width int) string {
	marks := []rune("   ")
	if !msg.Seen() {
		marks[0] = '●'
	}
	if msg.HasFlag(model.FlagFlagged) {
		marks[1] = '!'
	}
	if msg.HasFlag(model.FlagAnswered) {
		marks[2] = '↩'
	}

	from := msg.From
	if from == "" {
		from = "(unknown)"
	}
	line := fmt.Sprintf("%s %s  %-20s  %s", string(marks), shortDate(msg.Date), truncate(from, 20), msg.Subject)
	if width > 4 {
		line = truncate(line, width-4)
	}
	return line
}

func shortDate(t time.Time) string {
	if t.IsZero() {
		return "      "
	}
	if time.Since(t) < 24*time.Hour {
		return t.Local().Format("15:04 ")
	}
	return t.Local().Format("Jan 02")
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

// loadMessages reads the most recent cached messages of every account.
func loadMessages(s MessageLister, limit int) tea.Cmd {
	return func() tea.Msg {
		if s == nil {
			return messagesLoadedMsg{}
		}
		msgs, err := s.GetMessages(context.Background(), store.MessageFilter{Limit: limit})
		return messagesLoadedMsg{messages: msgs, err: err}
	}
}
