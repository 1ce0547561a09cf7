package mailops

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nhle/mailtask/internal/credential"
	"github.com/nhle/mailtask/internal/model"
	"github.com/nhle/mailtask/internal/pool"
	"github.com/nhle/mailtask/internal/prompt"
)

// Prompter obtains account secrets, from the credential cache or by
// asking the user.
type Prompter interface {
	RequestPrompt(ctx context.Context, req prompt.Request) (prompt.Response, error)
	ForgetCredential(resource string) error
	HasCredential(resource string) bool
}

// MessageStore is the part of the local cache the operations write to.
type MessageStore interface {
	UpsertMessages(ctx context.Context, msgs []model.Message) error
	GetMessage(ctx context.Context, accountID, mailbox string, uid uint32) (*model.Message, error)
	SetMessageFlags(ctx context.Context, accountID, mailbox string, uid uint32, flags []string) error
	DeleteMessage(ctx context.Context, accountID, mailbox string, uid uint32) error
	PruneMessages(ctx context.Context, accountID, mailbox string, keep []uint32) (int64, error)
}

// Account bundles one configured account with the collaborators its
// operations use.
type Account struct {
	Config   model.AccountConfig
	Mailer   Mailer
	Prompter Prompter
	Store    MessageStore
}

// NewAccount wires an account to a real IMAP client.
func NewAccount(cfg model.AccountConfig, prompter Prompter, store MessageStore) *Account {
	return &Account{
		Config:   cfg,
		Mailer:   NewIMAPClient(cfg),
		Prompter: prompter,
		Store:    store,
	}
}

// Name is the display name of the account.
func (a *Account) Name() string {
	if a.Config.Name != "" {
		return a.Config.Name
	}
	return a.Config.ID
}

// Resource is the credential resource identifier of the account.
func (a *Account) Resource() string {
	return credential.AccountKey(a.Config.Scheme(), a.Config.Username, a.Config.Host, strconv.Itoa(a.Config.Port))
}

// Policy picks the pool for an operation on the account. Until a secret
// is cached the operation may block on a password prompt, so it gets its
// own goroutine instead of a queued worker.
func (a *Account) Policy(queued pool.Policy) pool.Policy {
	if a.Prompter == nil || a.Prompter.HasCredential(a.Resource()) {
		return queued
	}
	return pool.NewThread
}

func (a *Account) password(ctx context.Context) (string, error) {
	resp, err := a.Prompter.RequestPrompt(ctx, prompt.Request{
		Kind:        prompt.KindCredential,
		Title:       "Password for " + a.Name(),
		Message:     fmt.Sprintf("Enter the password of %s on %s", a.Config.Username, a.Config.Host),
		Resource:    a.Resource(),
		Username:    a.Config.Username,
		AllowCancel: true,
	})
	if err != nil {
		return "", fmt.Errorf("getting password for %s: %w", a.Config.ID, err)
	}
	return resp.Secret, nil
}

// withPassword runs fn with the account password. When the server
// rejects it, the cached secret is forgotten and the user is asked once
// more.
func (a *Account) withPassword(ctx context.Context, fn func(password string) error) error {
	for attempt := 0; ; attempt++ {
		pw, err := a.password(ctx)
		if err != nil {
			return err
		}
		err = fn(pw)
		if err == nil || !IsAuthError(err) || attempt > 0 {
			return err
		}
		if ferr := a.Prompter.ForgetCredential(a.Resource()); ferr != nil {
			return errors.Join(err, ferr)
		}
	}
}
