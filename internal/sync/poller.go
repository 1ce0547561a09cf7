// Package sync polls configured mail accounts in the background by
// submitting sync tasks to the engine.
package sync

import (
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailtask/internal/engine"
	"github.com/nhle/mailtask/internal/mailops"
	"github.com/nhle/mailtask/internal/pool"
	"github.com/nhle/mailtask/internal/task"
)

// SyncState represents the current state of an account sync.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "syncing"
	case SyncError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SyncStatus holds the sync state for a single account.
type SyncStatus struct {
	AccountID string
	State     SyncState
	LastSync  time.Time
	Error     error
}

// SyncResultMsg is a tea.Msg sent when a sync completes.
type SyncResultMsg struct {
	AccountID string
	Fetched   int
	Pruned    int64
	Error     error

	// AuthFailed is set when the server kept rejecting the credentials.
	AuthFailed bool
}

// Submitter hands operations to the engine.
type Submitter interface {
	Go(policy pool.Policy, op task.Operation, opts ...engine.Option) (*task.Task, error)
}

// accountEntry holds a registered account and its polling state.
type accountEntry struct {
	account  *mailops.Account
	trigger  chan struct{}
	inflight atomic.Bool
}

// Poller orchestrates background polling of registered accounts.
type Poller struct {
	submit   Submitter
	log      *slog.Logger
	accounts []*accountEntry
	statuses map[string]*SyncStatus
	resultCh chan SyncResultMsg
	stopCh   chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
	skipped  atomic.Uint64
}

// New creates a new Poller submitting through s.
func New(s Submitter, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		submit:   s,
		log:      log.With("component", "poller"),
		statuses: make(map[string]*SyncStatus),
		resultCh: make(chan SyncResultMsg, 16),
		stopCh:   make(chan struct{}),
	}
}

// RegisterAccount adds an account to the poller.
func (p *Poller) RegisterAccount(a *mailops.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.accounts = append(p.accounts, &accountEntry{
		account: a,
		trigger: make(chan struct{}, 1),
	})
	p.statuses[a.Config.ID] = &SyncStatus{
		AccountID: a.Config.ID,
		State:     SyncIdle,
	}
}

// Start starts one polling goroutine per account and returns a tea.Cmd
// that waits for the first sync result.
func (p *Poller) Start() tea.Cmd {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	accounts := append([]*accountEntry(nil), p.accounts...)
	p.mu.Unlock()

	for _, entry := range accounts {
		p.wg.Add(1)
		go p.pollAccount(entry)
	}

	return p.waitForResult()
}

// Stop halts all polling goroutines and waits for them to exit. Syncs
// already submitted keep running in the engine.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// RefreshAll triggers an immediate poll of all registered accounts.
func (p *Poller) RefreshAll() tea.Cmd {
	p.mu.Lock()
	accounts := append([]*accountEntry(nil), p.accounts...)
	p.mu.Unlock()

	for _, entry := range accounts {
		select {
		case entry.trigger <- struct{}{}:
		default:
			// A refresh is already pending.
		}
	}
	return nil
}

// RefreshAccount triggers an immediate poll of one account.
func (p *Poller) RefreshAccount(id string) tea.Cmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.accounts {
		if entry.account.Config.ID == id {
			select {
			case entry.trigger <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

// GetStatuses returns the current sync status of all registered accounts
// in registration order.
func (p *Poller) GetStatuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.accounts))
	for _, entry := range p.accounts {
		statuses = append(statuses, *p.statuses[entry.account.Config.ID])
	}
	return statuses
}

// Skipped returns how many polls were dropped because the previous sync
// of the same account had not finished.
func (p *Poller) Skipped() uint64 {
	return p.skipped.Load()
}

// pollAccount runs the polling loop for a single account.
func (p *Poller) pollAccount(entry *accountEntry) {
	defer p.wg.Done()

	interval := time.Duration(entry.account.Config.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 120 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Do an initial fetch immediately
	p.sync(entry)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sync(entry)
		case <-entry.trigger:
			p.sync(entry)
		}
	}
}

// sync submits a fetch task unless one is already in flight.
func (p *Poller) sync(entry *accountEntry) {
	if !entry.inflight.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		return
	}

	id := entry.account.Config.ID
	p.setStatus(id, SyncRunning, nil)

	op := &mailops.FetchOp{
		Account: entry.account,
		OnDone: func(res mailops.FetchResult) {
			entry.inflight.Store(false)
			p.finish(res)
		},
	}
	if _, err := p.submit.Go(entry.account.Policy(pool.Queued), op); err != nil {
		entry.inflight.Store(false)
		p.finish(mailops.FetchResult{AccountID: id, Err: err})
	}
}

func (p *Poller) finish(res mailops.FetchResult) {
	if res.Err != nil {
		p.setStatus(res.AccountID, SyncError, res.Err)
		if !task.IsCancelled(res.Err) {
			p.log.Warn("sync failed", "account", res.AccountID, "error", res.Err)
		}
	} else {
		p.setStatus(res.AccountID, SyncIdle, nil)
	}

	p.sendResult(SyncResultMsg{
		AccountID:  res.AccountID,
		Fetched:    res.Fetched,
		Pruned:     res.Pruned,
		Error:      res.Err,
		AuthFailed: mailops.IsAuthError(res.Err),
	})
}

// setStatus updates the sync status for an account.
func (p *Poller) setStatus(id string, state SyncState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[id]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
	}
}

// sendResult sends a SyncResultMsg on the result channel without blocking.
func (p *Poller) sendResult(msg SyncResultMsg) {
	select {
	case p.resultCh <- msg:
	default:
		// Drop if channel is full to avoid blocking the UI loop
	}
}

// waitForResult returns a tea.Cmd that waits for the next result from
// the result channel.
func (p *Poller) waitForResult() tea.Cmd {
	return func() tea.Msg {
		result, ok := <-p.resultCh
		if !ok {
			return nil
		}
		return result
	}
}

// WaitForNextResult returns a tea.Cmd that waits for the next sync result.
// This should be called after processing a SyncResultMsg to continue
// listening for future results.
func (p *Poller) WaitForNextResult() tea.Cmd {
	return p.waitForResult()
}
