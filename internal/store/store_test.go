package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailtask/internal/model"
	"github.com/nhle/mailtask/internal/store"
	"github.com/nhle/mailtask/tests/testutil"
)

func msg(uid uint32, subject string, date time.Time, flags ...string) model.Message {
	return model.Message{
		AccountID: "work",
		Mailbox:   "INBOX",
		UID:       uid,
		MessageID: subject + "@example.com",
		Subject:   subject,
		From:      "Alice",
		To:        []string{"bob@example.com"},
		Date:      date,
		Flags:     flags,
	}
}

func TestMigrationsApplied(t *testing.T) {
	s := testutil.NewTestStore(t)
	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestReopenDoesNotReapplyMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestUpsertAndQueryMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertMessages(ctx, []model.Message{
		msg(1, "older", base, model.FlagSeen),
		msg(2, "newer", base.Add(time.Hour)),
	}))

	all, err := s.GetMessages(ctx, store.MessageFilter{AccountID: "work", Mailbox: "INBOX"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "newer", all[0].Subject)
	assert.Equal(t, []string{"bob@example.com"}, all[0].To)
	assert.True(t, all[1].Seen())
	assert.True(t, all[0].Date.Equal(base.Add(time.Hour)))

	unseen, err := s.GetMessages(ctx, store.MessageFilter{AccountID: "work", Unseen: true})
	require.NoError(t, err)
	require.Len(t, unseen, 1)
	assert.Equal(t, uint32(2), unseen[0].UID)

	q := "old"
	found, err := s.GetMessages(ctx, store.MessageFilter{Query: &q})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, uint32(1), found[0].UID)
}

func TestUpsertKeepsIdentityAndRefreshesFlags(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertMessages(ctx, []model.Message{msg(7, "hello", now)}))
	first, err := s.GetMessage(ctx, "work", "INBOX", 7)
	require.NoError(t, err)

	require.NoError(t, s.UpsertMessages(ctx, []model.Message{msg(7, "hello", now, model.FlagFlagged)}))
	second, err := s.GetMessage(ctx, "work", "INBOX", 7)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.HasFlag(model.FlagFlagged))

	require.NoError(t, s.SetMessageFlags(ctx, "work", "INBOX", 7, []string{model.FlagSeen}))
	third, err := s.GetMessage(ctx, "work", "INBOX", 7)
	require.NoError(t, err)
	assert.Equal(t, []string{model.FlagSeen}, third.Flags)
}

func TestPruneAndDeleteMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertMessages(ctx, []model.Message{
		msg(1, "a", now), msg(2, "b", now), msg(3, "c", now),
	}))

	n, err := s.PruneMessages(ctx, "work", "INBOX", []uint32{1, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.DeleteMessage(ctx, "work", "INBOX", 3))
	left, err := s.GetMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, uint32(1), left[0].UID)

	_, err = s.GetMessage(ctx, "work", "INBOX", 2)
	assert.Error(t, err)

	n, err = s.PruneMessages(ctx, "work", "INBOX", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTaskLog(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	started := base.Add(time.Second)

	entries := []*model.TaskLog{
		{TaskID: 1, Label: "Syncing work", Operation: "*mailops.FetchOp", Outcome: model.TaskOutcomeOK,
			CreatedAt: base, StartedAt: &started, FinishedAt: &started, FreedAt: base.Add(2 * time.Second)},
		{TaskID: 2, Label: "Syncing home", Outcome: model.TaskOutcomeFailed, Error: "connection refused",
			CreatedAt: base, FreedAt: base.Add(3 * time.Second)},
		{TaskID: 3, Outcome: model.TaskOutcomeCancelled, CreatedAt: base, FreedAt: base.Add(4 * time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, s.InsertTaskLog(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	all, err := s.GetTaskLogs(ctx, store.TaskLogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].TaskID)
	require.NotNil(t, all[2].StartedAt)
	assert.True(t, all[2].StartedAt.Equal(started))
	assert.Nil(t, all[1].StartedAt)

	failed := model.TaskOutcomeFailed
	only, err := s.GetTaskLogs(ctx, store.TaskLogFilter{Outcome: &failed})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "connection refused", only[0].Error)

	n, err := s.PurgeTaskLogs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTaskLogRejectsUnknownOutcome(t *testing.T) {
	s := testutil.NewTestStore(t)
	err := s.InsertTaskLog(context.Background(), &model.TaskLog{TaskID: 1, Outcome: "weird"})
	assert.Error(t, err)
}
