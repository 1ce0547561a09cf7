package store

import (
	"context"

	"github.com/nhle/mailtask/internal/model"
)

// MessageFilter controls filtering and pagination for message queries.
type MessageFilter struct {
	AccountID string
	Mailbox   string
	Unseen    bool
	Query     *string // search subject + sender
	Limit     int
	Offset    int
}

// TaskLogFilter controls task journal queries.
type TaskLogFilter struct {
	Outcome *string
	Limit   int
}

// Store defines the persistence interface for the message cache and the
// task journal.
type Store interface {
	// === Messages ===

	UpsertMessages(ctx context.Context, msgs []model.Message) error
	GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	GetMessage(ctx context.Context, accountID, mailbox string, uid uint32) (*model.Message, error)
	SetMessageFlags(ctx context.Context, accountID, mailbox string, uid uint32, flags []string) error
	DeleteMessage(ctx context.Context, accountID, mailbox string, uid uint32) error
	PruneMessages(ctx context.Context, accountID, mailbox string, keep []uint32) (int64, error)

	// === Task journal ===

	InsertTaskLog(ctx context.Context, entry *model.TaskLog) error
	GetTaskLogs(ctx context.Context, filter TaskLogFilter) ([]model.TaskLog, error)
	PurgeTaskLogs(ctx context.Context, keep int) (int64, error)
}
