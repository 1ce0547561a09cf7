package mailops

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailtask/internal/model"
	"github.com/nhle/mailtask/internal/task"
)

// DefaultSyncWindow is how far back a sync looks when FetchOp.Since is
// zero.
const DefaultSyncWindow = 7 * 24 * time.Hour

// FetchResult summarizes one sync.
type FetchResult struct {
	AccountID string
	Fetched   int
	Pruned    int64
	Err       error
}

// FetchOp syncs the recent envelopes of an account mailbox into the
// local cache.
type FetchOp struct {
	task.Base

	Account *Account
	Since   time.Duration

	// OnDone runs on the UI loop once the sync has finished.
	OnDone func(FetchResult)

	fetched int
	pruned  int64
}

func (o *FetchOp) Describe(_ *task.Task, complete bool) string {
	if complete {
		return "syncing " + o.Account.Name()
	}
	return "Syncing " + o.Account.Name()
}

func (o *FetchOp) Execute(ctx context.Context, t *task.Task) error {
	cfg := o.Account.Config
	window := o.Since
	if window <= 0 {
		window = DefaultSyncWindow
	}

	task.Report(ctx, "Connecting to "+cfg.Host, task.ProgressStart)

	var envs []Envelope
	err := o.Account.withPassword(ctx, func(pw string) error {
		var err error
		envs, err = o.Account.Mailer.FetchEnvelopes(ctx, pw, cfg.Mailbox, time.Now().Add(-window), cfg.FetchLimit,
			func(done, total int) {
				task.Report(ctx, fmt.Sprintf("Fetched %d of %d", done, total), done*90/total)
			})
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching %s: %w", cfg.ID, err)
	}
	if err := t.Token.Err(); err != nil {
		return err
	}

	msgs := make([]model.Message, 0, len(envs))
	keep := make([]uint32, 0, len(envs))
	now := time.Now().UTC()
	for _, env := range envs {
		msgs = append(msgs, toMessage(cfg, env, now))
		keep = append(keep, env.UID)
	}

	task.Report(ctx, "Saving", 95)
	if err := o.Account.Store.UpsertMessages(ctx, msgs); err != nil {
		return fmt.Errorf("caching %s: %w", cfg.ID, err)
	}
	o.fetched = len(msgs)

	// A truncated listing says nothing about older messages.
	if cfg.FetchLimit <= 0 || len(envs) < cfg.FetchLimit {
		n, err := o.Account.Store.PruneMessages(ctx, cfg.ID, cfg.Mailbox, keep)
		if err != nil {
			return fmt.Errorf("pruning %s: %w", cfg.ID, err)
		}
		o.pruned = n
	}

	task.Report(ctx, "Done", task.ProgressEnd)
	return nil
}

func (o *FetchOp) Deliver(t *task.Task) {
	if o.OnDone != nil {
		o.OnDone(FetchResult{
			AccountID: o.Account.Config.ID,
			Fetched:   o.fetched,
			Pruned:    o.pruned,
			Err:       t.Err(),
		})
	}
}

func toMessage(cfg model.AccountConfig, env Envelope, fetched time.Time) model.Message {
	return model.Message{
		AccountID: cfg.ID,
		Mailbox:   cfg.Mailbox,
		UID:       env.UID,
		MessageID: env.MessageID,
		Subject:   env.Subject,
		From:      env.From,
		To:        env.To,
		Date:      env.Date,
		Flags:     env.Flags,
		FetchedAt: fetched,
	}
}

// FlagOp adds or removes one flag on a message, on the server and in the
// cache.
type FlagOp struct {
	task.Base

	Account *Account
	UID     uint32
	Flag    string
	Set     bool

	OnDone func(err error)
}

func (o *FlagOp) Describe(_ *task.Task, complete bool) string {
	if !complete {
		return ""
	}
	verb := "setting"
	if !o.Set {
		verb = "clearing"
	}
	return fmt.Sprintf("%s %s on message %d", verb, o.Flag, o.UID)
}

func (o *FlagOp) Execute(ctx context.Context, _ *task.Task) error {
	cfg := o.Account.Config
	err := o.Account.withPassword(ctx, func(pw string) error {
		return o.Account.Mailer.SetFlags(ctx, pw, cfg.Mailbox, o.UID, []imap.Flag{imap.Flag(o.Flag)}, o.Set)
	})
	if err != nil {
		return fmt.Errorf("updating flags of %d: %w", o.UID, err)
	}

	msg, err := o.Account.Store.GetMessage(ctx, cfg.ID, cfg.Mailbox, o.UID)
	if err != nil {
		// Not cached yet; the next sync picks the change up.
		return nil
	}
	flags := make([]string, 0, len(msg.Flags)+1)
	for _, f := range msg.Flags {
		if f != o.Flag {
			flags = append(flags, f)
		}
	}
	if o.Set {
		flags = append(flags, o.Flag)
	}
	return o.Account.Store.SetMessageFlags(ctx, cfg.ID, cfg.Mailbox, o.UID, flags)
}

func (o *FlagOp) Deliver(t *task.Task) {
	if o.OnDone != nil {
		o.OnDone(t.Err())
	}
}

// ArchiveOp moves a message into the archive mailbox of the account.
type ArchiveOp struct {
	task.Base

	Account *Account
	UID     uint32

	OnDone func(err error)
}

func (o *ArchiveOp) Describe(_ *task.Task, complete bool) string {
	if complete {
		return fmt.Sprintf("archiving message %d", o.UID)
	}
	return fmt.Sprintf("Archiving message %d", o.UID)
}

func (o *ArchiveOp) Execute(ctx context.Context, _ *task.Task) error {
	cfg := o.Account.Config
	err := o.Account.withPassword(ctx, func(pw string) error {
		return o.Account.Mailer.Move(ctx, pw, cfg.Mailbox, o.UID, cfg.ArchiveMailbox)
	})
	if err != nil {
		return fmt.Errorf("archiving %d: %w", o.UID, err)
	}
	return o.Account.Store.DeleteMessage(ctx, cfg.ID, cfg.Mailbox, o.UID)
}

func (o *ArchiveOp) Deliver(t *task.Task) {
	if o.OnDone != nil {
		o.OnDone(t.Err())
	}
}
