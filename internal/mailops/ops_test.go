package mailops

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailtask/internal/credential"
	"github.com/nhle/mailtask/internal/engine"
	"github.com/nhle/mailtask/internal/model"
	"github.com/nhle/mailtask/internal/pool"
	"github.com/nhle/mailtask/internal/prompt"
	"github.com/nhle/mailtask/internal/store"
	"github.com/nhle/mailtask/internal/task"
	"github.com/nhle/mailtask/tests/testutil"
)

type fakeMailer struct {
	mu        sync.Mutex
	password  string
	envelopes []Envelope
	flagged   map[uint32][]imap.Flag
	moved     map[uint32]string
	logins    []string
}

func (m *fakeMailer) login(pw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins = append(m.logins, pw)
	if pw != m.password {
		return &AuthError{Account: "work", Message: "bad password"}
	}
	return nil
}

func (m *fakeMailer) FetchEnvelopes(_ context.Context, pw, _ string, _ time.Time, limit int, progress func(int, int)) ([]Envelope, error) {
	if err := m.login(pw); err != nil {
		return nil, err
	}
	envs := m.envelopes
	if limit > 0 && len(envs) > limit {
		envs = envs[len(envs)-limit:]
	}
	for i := range envs {
		progress(i+1, len(envs))
	}
	return envs, nil
}

func (m *fakeMailer) FetchMessage(context.Context, string, string, uint32) (*ParsedMessage, error) {
	return nil, errors.New("not implemented")
}

func (m *fakeMailer) SetFlags(_ context.Context, pw, _ string, uid uint32, flags []imap.Flag, add bool) error {
	if err := m.login(pw); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flagged == nil {
		m.flagged = make(map[uint32][]imap.Flag)
	}
	if add {
		m.flagged[uid] = append(m.flagged[uid], flags...)
	} else {
		delete(m.flagged, uid)
	}
	return nil
}

func (m *fakeMailer) Move(_ context.Context, pw, _ string, uid uint32, dest string) error {
	if err := m.login(pw); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moved == nil {
		m.moved = make(map[uint32]string)
	}
	m.moved[uid] = dest
	return nil
}

type fakePrompter struct {
	mu        sync.Mutex
	cached    string
	answers   []string
	asked     int
	forgotten int
}

func (p *fakePrompter) RequestPrompt(_ context.Context, req prompt.Request) (prompt.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != "" {
		return prompt.Response{Secret: p.cached, Accepted: true, Cached: true}, nil
	}
	if len(p.answers) == 0 {
		return prompt.Response{}, prompt.ErrCancelled
	}
	p.asked++
	secret := p.answers[0]
	p.answers = p.answers[1:]
	return prompt.Response{Secret: secret, Accepted: true}, nil
}

func (p *fakePrompter) ForgetCredential(string) error {
	p.mu.Lock()
	p.cached = ""
	p.forgotten++
	p.mu.Unlock()
	return nil
}

func (p *fakePrompter) HasCredential(string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached != ""
}

func account(t *testing.T, mailer Mailer, prompter Prompter) (*Account, *store.SQLiteStore) {
	t.Helper()
	s := testutil.NewTestStore(t)
	return &Account{
		Config: model.AccountConfig{
			ID: "work", Name: "Work", Host: "mail.example.com", Port: 993,
			Username: "alice", TLS: true, Mailbox: "INBOX", ArchiveMailbox: "Archive",
		},
		Mailer:   mailer,
		Prompter: prompter,
		Store:    s,
	}, s
}

func envelopes(n int) []Envelope {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Envelope, n)
	for i := range out {
		out[i] = Envelope{
			UID:     uint32(i + 1),
			Subject: "message",
			From:    "Bob",
			Date:    base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func runOp(t *testing.T, op task.Operation) *task.Task {
	t.Helper()
	tk := task.New(op, nil)
	tok := tk.Token
	ctx := task.WithToken(tok.Context(), tok)
	tk.Exception().Set(op.Execute(ctx, tk))
	op.Deliver(tk)
	return tk
}

func TestFetchCachesEnvelopesAndPrunes(t *testing.T) {
	mailer := &fakeMailer{password: "pw", envelopes: envelopes(3)}
	acct, s := account(t, mailer, &fakePrompter{cached: "pw"})
	ctx := context.Background()

	stale := model.Message{AccountID: "work", Mailbox: "INBOX", UID: 99, Date: time.Now()}
	require.NoError(t, s.UpsertMessages(ctx, []model.Message{stale}))

	var res FetchResult
	tk := runOp(t, &FetchOp{Account: acct, OnDone: func(r FetchResult) { res = r }})
	require.NoError(t, tk.Err())

	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, int64(1), res.Pruned)
	msgs, err := s.GetMessages(ctx, store.MessageFilter{AccountID: "work"})
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	desc, pct := tk.Token.Progress()
	assert.Equal(t, "Done", desc)
	assert.Equal(t, task.ProgressEnd, pct)
}

func TestFetchWithLimitDoesNotPrune(t *testing.T) {
	mailer := &fakeMailer{password: "pw", envelopes: envelopes(5)}
	acct, s := account(t, mailer, &fakePrompter{cached: "pw"})
	acct.Config.FetchLimit = 2
	ctx := context.Background()
	require.NoError(t, s.UpsertMessages(ctx, []model.Message{{AccountID: "work", Mailbox: "INBOX", UID: 1, Date: time.Now()}}))

	var res FetchResult
	runOp(t, &FetchOp{Account: acct, OnDone: func(r FetchResult) { res = r }})
	assert.Equal(t, 2, res.Fetched)
	assert.Zero(t, res.Pruned)

	msgs, err := s.GetMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestAuthFailureForgetsAndReprompts(t *testing.T) {
	mailer := &fakeMailer{password: "new"}
	prompter := &fakePrompter{cached: "stale", answers: []string{"new"}}
	acct, _ := account(t, mailer, prompter)

	tk := runOp(t, &FetchOp{Account: acct})
	require.NoError(t, tk.Err())
	assert.Equal(t, []string{"stale", "new"}, mailer.logins)
	assert.Equal(t, 1, prompter.forgotten)
	assert.Equal(t, 1, prompter.asked)
}

// keyringPrompter answers from a script and forgets through a real
// credential store.
type keyringPrompter struct {
	*fakePrompter
	creds credential.Store
}

func (p keyringPrompter) ForgetCredential(resource string) error {
	return p.creds.Delete(credential.NormalizeKey(resource))
}

func TestAuthFailureRepromptsWithKeyringFileStore(t *testing.T) {
	creds := credential.NewKeyringStore(credential.KeyringConfig{
		FileDir:  t.TempDir(),
		Backends: []keyring.BackendType{keyring.FileBackend},
	})
	scripted := &fakePrompter{answers: []string{"typo", "right"}}
	mailer := &fakeMailer{password: "right"}
	acct, _ := account(t, mailer, keyringPrompter{fakePrompter: scripted, creds: creds})

	tk := runOp(t, &FetchOp{Account: acct})
	require.NoError(t, tk.Err())
	assert.Equal(t, []string{"typo", "right"}, mailer.logins)
	assert.Equal(t, 2, scripted.asked)
}

func TestAuthFailureTwiceGivesUp(t *testing.T) {
	mailer := &fakeMailer{password: "right"}
	prompter := &fakePrompter{cached: "stale", answers: []string{"wrong", "right"}}
	acct, _ := account(t, mailer, prompter)

	var res FetchResult
	tk := runOp(t, &FetchOp{Account: acct, OnDone: func(r FetchResult) { res = r }})
	assert.True(t, IsAuthError(tk.Err()))
	assert.True(t, IsAuthError(res.Err))
	assert.Len(t, mailer.logins, 2)
}

func TestDeclinedPromptFailsFetch(t *testing.T) {
	acct, _ := account(t, &fakeMailer{password: "pw"}, &fakePrompter{})
	tk := runOp(t, &FetchOp{Account: acct})
	assert.ErrorIs(t, tk.Err(), prompt.ErrCancelled)
}

func TestFlagOpUpdatesServerAndCache(t *testing.T) {
	mailer := &fakeMailer{password: "pw"}
	acct, s := account(t, mailer, &fakePrompter{cached: "pw"})
	ctx := context.Background()
	require.NoError(t, s.UpsertMessages(ctx, []model.Message{{
		AccountID: "work", Mailbox: "INBOX", UID: 4, Date: time.Now(), Flags: []string{model.FlagFlagged},
	}}))

	tk := runOp(t, &FlagOp{Account: acct, UID: 4, Flag: model.FlagSeen, Set: true})
	require.NoError(t, tk.Err())
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, mailer.flagged[4])

	m, err := s.GetMessage(ctx, "work", "INBOX", 4)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{model.FlagFlagged, model.FlagSeen}, m.Flags)

	runOp(t, &FlagOp{Account: acct, UID: 4, Flag: model.FlagFlagged})
	m, err = s.GetMessage(ctx, "work", "INBOX", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{model.FlagSeen}, m.Flags)
}

func TestArchiveOpMovesAndUncaches(t *testing.T) {
	mailer := &fakeMailer{password: "pw"}
	acct, s := account(t, mailer, &fakePrompter{cached: "pw"})
	ctx := context.Background()
	require.NoError(t, s.UpsertMessages(ctx, []model.Message{{AccountID: "work", Mailbox: "INBOX", UID: 8, Date: time.Now()}}))

	var done error = errors.New("unset")
	tk := runOp(t, &ArchiveOp{Account: acct, UID: 8, OnDone: func(err error) { done = err }})
	require.NoError(t, tk.Err())
	assert.NoError(t, done)
	assert.Equal(t, "Archive", mailer.moved[8])

	_, err := s.GetMessage(ctx, "work", "INBOX", 8)
	assert.Error(t, err)
}

func TestDescriptions(t *testing.T) {
	acct := &Account{Config: model.AccountConfig{ID: "work"}}
	f := &FetchOp{Account: acct}
	assert.Equal(t, "Syncing work", f.Describe(nil, false))
	assert.Equal(t, "syncing work", f.Describe(nil, true))

	fl := &FlagOp{Account: acct, UID: 3, Flag: model.FlagSeen}
	assert.Empty(t, fl.Describe(nil, false))
	assert.Equal(t, `clearing \Seen on message 3`, fl.Describe(nil, true))
}

func TestAccountResourceIsNormalized(t *testing.T) {
	acct := &Account{Config: model.AccountConfig{Host: "Mail.Example.com", Port: 993, Username: "alice", TLS: true}}
	assert.Equal(t, "imaps://alice@mail.example.com:993", acct.Resource())
}

func TestAccountPolicyAvoidsQueuedWorkersUntilCached(t *testing.T) {
	prompter := &fakePrompter{}
	acct, _ := account(t, &fakeMailer{}, prompter)
	assert.Equal(t, pool.NewThread, acct.Policy(pool.Queued))
	assert.Equal(t, pool.NewThread, acct.Policy(pool.QueuedSlow))

	prompter.cached = "pw"
	assert.Equal(t, pool.Queued, acct.Policy(pool.Queued))
	assert.Equal(t, pool.QueuedSlow, acct.Policy(pool.QueuedSlow))

	acct.Prompter = nil
	assert.Equal(t, pool.Queued, acct.Policy(pool.Queued))
}

func TestFetchThroughRuntimeUsesCachedCredential(t *testing.T) {
	creds := credential.NewMemoryStore()
	r := engine.New(engine.Options{Credentials: creds, NonInteractive: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	mailer := &fakeMailer{password: "pw", envelopes: envelopes(2)}
	acct, s := account(t, mailer, r)
	assert.False(t, r.HasCredential(acct.Resource()))
	require.NoError(t, creds.Set(credential.NormalizeKey(acct.Resource()), "pw"))
	assert.True(t, r.HasCredential(acct.Resource()))

	done := make(chan FetchResult, 1)
	_, err := r.Go(pool.Queued, &FetchOp{Account: acct, OnDone: func(res FetchResult) { done <- res }})
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.Err)
		assert.Equal(t, 2, res.Fetched)
	case <-time.After(2 * time.Second):
		t.Fatal("sync not delivered")
	}

	msgs, err := s.GetMessages(context.Background(), store.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestParseMIMEBody(t *testing.T) {
	raw := strings.Join([]string{
		"From: Bob <bob@example.com>",
		"To: alice@example.com",
		"Subject: Report",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Hello Alice",
		"--b1",
		"Content-Type: text/csv",
		`Content-Disposition: attachment; filename="data.csv"`,
		"",
		"a,b",
		"--b1--",
		"",
	}, "\r\n")

	text, html, atts := parseMIMEBody([]byte(raw))
	assert.Equal(t, "Hello Alice", strings.TrimSpace(text))
	assert.Empty(t, html)
	require.Len(t, atts, 1)
	assert.Equal(t, "data.csv", atts[0].Filename)
	assert.Equal(t, "text/csv", atts[0].MIMEType)
}

func TestAuthErrorDetection(t *testing.T) {
	err := &AuthError{Account: "work", Message: "nope"}
	assert.True(t, IsAuthError(errors.Join(errors.New("x"), err)))
	assert.False(t, IsAuthError(errors.New("plain")))
	assert.Contains(t, err.Error(), "work")
}
