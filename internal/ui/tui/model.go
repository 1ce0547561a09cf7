package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailtask/internal/engine"
	"github.com/nhle/mailtask/internal/keys"
	"github.com/nhle/mailtask/internal/mailops"
	"github.com/nhle/mailtask/internal/model"
	"github.com/nhle/mailtask/internal/pool"
	appsync "github.com/nhle/mailtask/internal/sync"
	"github.com/nhle/mailtask/internal/task"
	"github.com/nhle/mailtask/internal/theme"
)

const messageLimit = 500

// Engine is the part of the runtime the UI drives.
type Engine interface {
	Go(policy pool.Policy, op task.Operation, opts ...engine.Option) (*task.Task, error)
	CancelAll() int
	SetInteractive(on bool)
	Interactive() bool
}

// actionDoneMsg reports the outcome of a message action.
type actionDoneMsg struct {
	verb string
	err  error
}

// Config wires the model to the rest of the application.
type Config struct {
	Engine   Engine
	Poller   *appsync.Poller
	Store    MessageLister
	Accounts []*mailops.Account

	// Notify forwards a message to the running program from any
	// goroutine. Surface.Notify fits.
	Notify func(tea.Msg) bool

	Keys *keys.KeyMap
}

// bar is one progress indicator on screen.
type bar struct {
	id      uint64
	label   string
	desc    string
	percent int
}

// Model is the root Bubble Tea model.
type Model struct {
	cfg      Config
	keys     *keys.KeyMap
	layout   layout
	help     help.Model
	spinner  spinner.Model
	progress bprogress.Model
	list     list.Model

	busy    bool
	bars    []*bar
	errors  []ErrorMsg
	prompts []*activePrompt
	status  string
}

// New creates the root model.
func New(cfg Config) Model {
	k := cfg.Keys
	if k == nil {
		k = keys.DefaultKeyMap()
	}
	if cfg.Notify == nil {
		cfg.Notify = func(tea.Msg) bool { return false }
	}

	l := list.New([]list.Item{}, messageDelegate{}, 80, 20)
	l.SetShowTitle(false)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)

	return Model{
		cfg:      cfg,
		keys:     k,
		layout:   layout{width: 80, height: 24},
		help:     help.New(),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(theme.BusyStyle)),
		progress: bprogress.New(bprogress.WithDefaultGradient(), bprogress.WithWidth(30), bprogress.WithoutPercentage()),
		list:     l,
	}
}

// Init loads the cache and starts the poller.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{loadMessages(m.cfg.Store, messageLimit)}
	if m.cfg.Poller != nil {
		cmds = append(cmds, m.cfg.Poller.Start())
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = layout{width: msg.Width, height: msg.Height}
		m.help.Width = msg.Width
		m.resizeList()
		for _, p := range m.prompts {
			p.form = p.form.WithWidth(msg.Width - 4)
		}
		return m, nil

	case BusyMsg:
		m.busy = msg.Busy
		m.keys.Stop.SetEnabled(msg.Busy)
		if msg.Busy {
			return m, m.spinner.Tick
		}
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case indicatorOpenMsg:
		m.bars = append(m.bars, &bar{id: msg.id, label: msg.label})
		close(msg.ack)
		m.resizeList()
		return m, nil

	case indicatorUpdateMsg:
		if b := m.bar(msg.id); b != nil {
			b.desc = msg.desc
			b.percent = msg.percent
		}
		return m, nil

	case indicatorCloseMsg:
		for i, b := range m.bars {
			if b.id == msg.id {
				m.bars = append(m.bars[:i], m.bars[i+1:]...)
				break
			}
		}
		m.resizeList()
		return m, nil

	case ErrorMsg:
		m.errors = append(m.errors, msg)
		return m, nil

	case promptOpenMsg:
		p := newActivePrompt(msg, m.layout.width-4)
		m.prompts = append(m.prompts, p)
		if len(m.prompts) == 1 {
			return m, p.form.Init()
		}
		return m, nil

	case promptCloseMsg:
		return m.removePrompt(msg.id)

	case appsync.SyncResultMsg:
		m.status = syncStatus(msg)
		return m, tea.Batch(loadMessages(m.cfg.Store, messageLimit), m.cfg.Poller.WaitForNextResult())

	case messagesLoadedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("failed to load messages: %v", msg.err)
			return m, nil
		}
		items := make([]list.Item, len(msg.messages))
		for i, mm := range msg.messages {
			items[i] = messageItem{msg: mm}
		}
		return m, m.list.SetItems(items)

	case actionDoneMsg:
		if msg.err != nil {
			if !task.IsCancelled(msg.err) {
				m.status = fmt.Sprintf("%s failed: %v", msg.verb, msg.err)
			}
		} else {
			m.status = msg.verb + " done"
		}
		return m, loadMessages(m.cfg.Store, messageLimit)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	// huh forms drive themselves with internal messages.
	if len(m.prompts) > 0 {
		return m.updatePrompt(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// The stop key stays live while a prompt has focus.
	if key.Matches(msg, m.keys.Stop) {
		n := m.cfg.Engine.CancelAll()
		m.status = fmt.Sprintf("cancelled %d tasks", n)
		return m, nil
	}

	if len(m.prompts) > 0 {
		return m.updatePrompt(msg)
	}

	if len(m.errors) > 0 && key.Matches(msg, m.keys.Dismiss) {
		e := m.errors[0]
		m.errors = m.errors[1:]
		if e.dismissed != nil {
			e.dismissed()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.resizeList()
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		if m.cfg.Poller != nil {
			m.cfg.Poller.RefreshAll()
		}
		return m, nil

	case key.Matches(msg, m.keys.RefreshOne):
		if acct := m.selectedAccount(); acct != nil && m.cfg.Poller != nil {
			m.cfg.Poller.RefreshAccount(acct.Config.ID)
		}
		return m, nil

	case key.Matches(msg, m.keys.Interactive):
		on := !m.cfg.Engine.Interactive()
		m.cfg.Engine.SetInteractive(on)
		if on {
			m.status = "prompts enabled"
		} else {
			m.status = "prompts disabled"
		}
		return m, nil

	case key.Matches(msg, m.keys.ToggleSeen):
		if sel, ok := m.selected(); ok {
			return m, m.submitFlag(sel, model.FlagSeen, !sel.Seen())
		}
		return m, nil

	case key.Matches(msg, m.keys.ToggleFlag):
		if sel, ok := m.selected(); ok {
			return m, m.submitFlag(sel, model.FlagFlagged, !sel.HasFlag(model.FlagFlagged))
		}
		return m, nil

	case key.Matches(msg, m.keys.Archive):
		if sel, ok := m.selected(); ok {
			return m, m.submitArchive(sel)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) updatePrompt(msg tea.Msg) (tea.Model, tea.Cmd) {
	p := m.prompts[0]
	done, cmd := p.update(msg)
	if !done {
		return m, cmd
	}
	m.prompts = m.prompts[1:]
	if len(m.prompts) > 0 {
		return m, tea.Batch(cmd, m.prompts[0].form.Init())
	}
	return m, cmd
}

// removePrompt drops a prompt that was withdrawn without an answer.
func (m Model) removePrompt(id uint64) (tea.Model, tea.Cmd) {
	for i, p := range m.prompts {
		if p.id != id {
			continue
		}
		m.prompts = append(m.prompts[:i], m.prompts[i+1:]...)
		if i == 0 && len(m.prompts) > 0 {
			return m, m.prompts[0].form.Init()
		}
		break
	}
	return m, nil
}

func (m Model) submitFlag(msg model.Message, flag string, set bool) tea.Cmd {
	acct := m.account(msg.AccountID)
	if acct == nil {
		return nil
	}
	notify := m.cfg.Notify
	verb := "flag update"
	op := &mailops.FlagOp{
		Account: acct,
		UID:     msg.UID,
		Flag:    flag,
		Set:     set,
		OnDone:  func(err error) { notify(actionDoneMsg{verb: verb, err: err}) },
	}
	return m.submit(acct.Policy(pool.Queued), op, verb)
}

func (m Model) submitArchive(msg model.Message) tea.Cmd {
	acct := m.account(msg.AccountID)
	if acct == nil {
		return nil
	}
	notify := m.cfg.Notify
	op := &mailops.ArchiveOp{
		Account: acct,
		UID:     msg.UID,
		OnDone:  func(err error) { notify(actionDoneMsg{verb: "archive", err: err}) },
	}
	return m.submit(acct.Policy(pool.QueuedSlow), op, "archive")
}

// submit hands op to the engine from a command, since Go blocks while a
// bounded queue is full.
func (m Model) submit(policy pool.Policy, op task.Operation, verb string) tea.Cmd {
	eng := m.cfg.Engine
	return func() tea.Msg {
		if _, err := eng.Go(policy, op); err != nil {
			return actionDoneMsg{verb: verb, err: err}
		}
		return nil
	}
}

func (m Model) selected() (model.Message, bool) {
	it, ok := m.list.SelectedItem().(messageItem)
	if !ok {
		return model.Message{}, false
	}
	return it.msg, true
}

func (m Model) account(id string) *mailops.Account {
	for _, a := range m.cfg.Accounts {
		if a.Config.ID == id {
			return a
		}
	}
	return nil
}

// selectedAccount is the account of the focused message, or the first
// account when the list is empty.
func (m Model) selectedAccount() *mailops.Account {
	if sel, ok := m.selected(); ok {
		if a := m.account(sel.AccountID); a != nil {
			return a
		}
	}
	if len(m.cfg.Accounts) > 0 {
		return m.cfg.Accounts[0]
	}
	return nil
}

func (m Model) bar(id uint64) *bar {
	for _, b := range m.bars {
		if b.id == id {
			return b
		}
	}
	return nil
}

func (m *Model) resizeList() {
	panels := 0
	if len(m.bars) > 0 {
		panels += len(m.bars) + 2
	}
	if m.help.ShowAll {
		panels += 4
	}
	m.list.SetSize(m.layout.width, m.layout.bodyHeight(panels))
}

func syncStatus(msg appsync.SyncResultMsg) string {
	switch {
	case msg.AuthFailed:
		return msg.AccountID + ": login rejected"
	case task.IsCancelled(msg.Error):
		return msg.AccountID + ": sync cancelled"
	case msg.Error != nil:
		return fmt.Sprintf("%s: %v", msg.AccountID, msg.Error)
	default:
		return fmt.Sprintf("%s: %d messages", msg.AccountID, msg.Fetched)
	}
}

// View renders the UI.
func (m Model) View() string {
	right := m.status
	if m.busy {
		right = m.spinner.View() + " " + right
	}
	if len(m.cfg.Accounts) > 0 && m.cfg.Poller != nil {
		states := make([]string, 0, len(m.cfg.Accounts))
		for _, st := range m.cfg.Poller.GetStatuses() {
			states = append(states, theme.SyncStateStyle(st.State.String()).Render(st.AccountID))
		}
		right = strings.Join(states, "") + " " + right
	}
	sections := []string{m.layout.header("mailtask", right)}

	if len(m.errors) > 0 {
		e := m.errors[0]
		sections = append(sections, theme.ErrorBannerStyle.Render(fmt.Sprintf("%s: %v", e.Title, e.Err)))
	}

	if len(m.prompts) > 0 {
		sections = append(sections, m.layout.panel(m.prompts[0].view()))
	} else {
		sections = append(sections, m.list.View())
	}

	if len(m.bars) > 0 {
		lines := make([]string, 0, len(m.bars))
		for _, b := range m.bars {
			lines = append(lines, m.barView(b))
		}
		sections = append(sections, m.layout.panel(strings.Join(lines, "\n")))
	}

	if m.help.ShowAll {
		sections = append(sections, m.help.View(m.keys))
	}
	mode := "prompts on"
	if m.cfg.Engine != nil && !m.cfg.Engine.Interactive() {
		mode = "prompts off"
	}
	sections = append(sections, m.layout.statusBar(m.help.ShortHelpView(m.keys.ShortHelp()), mode))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) barView(b *bar) string {
	desc := b.desc
	if desc == "" {
		desc = b.label
	}
	return fmt.Sprintf("%s %s  %s", m.progress.ViewAs(float64(b.percent)/100), b.label, theme.DimmedStyle.Render(desc))
}
