package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/nhle/mailtask/internal/prompt"
	"github.com/nhle/mailtask/internal/theme"
)

// promptBindings holds form values on the heap so that huh's Value()
// pointers stay valid across model copies.
type promptBindings struct {
	username string
	secret   string
	remember bool
	ok       bool
}

// activePrompt is a prompt on screen and its form.
type activePrompt struct {
	id     uint64
	req    prompt.Request
	answer func(prompt.Response, error)
	form   *huh.Form
	fb     *promptBindings
}

func newActivePrompt(msg promptOpenMsg, width int) *activePrompt {
	p := &activePrompt{
		id:     msg.id,
		req:    msg.req,
		answer: msg.answer,
		fb:     &promptBindings{username: msg.req.Username, ok: true},
	}
	p.form = p.buildForm(width)
	return p
}

func (p *activePrompt) buildForm(width int) *huh.Form {
	var fields []huh.Field
	switch p.req.Kind {
	case prompt.KindCredential:
		if p.req.Message != "" {
			fields = append(fields, huh.NewNote().Description(p.req.Message))
		}
		fields = append(fields,
			huh.NewInput().
				Title("Username").
				Value(&p.fb.username),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&p.fb.secret),
			huh.NewConfirm().
				Title("Remember in keyring?").
				Value(&p.fb.remember),
		)
	default:
		confirm := huh.NewConfirm().
			Title(p.req.Message).
			Value(&p.fb.ok)
		if p.req.AllowCancel {
			confirm = confirm.Affirmative("OK").Negative("Cancel")
		} else {
			confirm = confirm.Affirmative("OK").Negative("")
		}
		fields = []huh.Field{confirm}
	}

	km := huh.NewDefaultKeyMap()
	if p.req.AllowCancel {
		km.Quit = key.NewBinding(key.WithKeys("esc", "ctrl+c"))
	} else {
		km.Quit = key.NewBinding(key.WithDisabled())
	}

	form := huh.NewForm(huh.NewGroup(fields...)).
		WithKeyMap(km).
		WithShowHelp(true)
	if width > 0 {
		form = form.WithWidth(width)
	}
	return form
}

// update forwards msg to the form. done reports that the prompt has
// been answered and must be removed.
func (p *activePrompt) update(msg tea.Msg) (done bool, cmd tea.Cmd) {
	mdl, cmd := p.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		p.form = f
	}

	switch p.form.State {
	case huh.StateCompleted:
		p.answer(p.response(), nil)
		return true, cmd
	case huh.StateAborted:
		p.answer(prompt.Response{}, nil)
		return true, cmd
	}
	return false, cmd
}

func (p *activePrompt) response() prompt.Response {
	if p.req.Kind == prompt.KindCredential {
		return prompt.Response{
			Username: p.fb.username,
			Secret:   p.fb.secret,
			Remember: p.fb.remember,
			Accepted: true,
		}
	}
	return prompt.Response{Accepted: p.fb.ok || !p.req.AllowCancel}
}

func (p *activePrompt) view() string {
	title := p.req.Title
	if title == "" {
		title = p.req.Kind.String()
	}
	return theme.PromptTitleStyle.Render(title) + "\n" + p.form.View()
}
