package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailtask/internal/model"
)

// UpsertMessages inserts a batch of envelopes, refreshing the envelope and
// flags of messages already cached under the same account, mailbox and
// UID.
func (s *SQLiteStore) UpsertMessages(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO messages (
			id, account_id, mailbox, uid,
			message_id, subject, sender, recipients,
			date, flags, fetched_at
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?
		)
		ON CONFLICT(account_id, mailbox, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject    = excluded.subject,
			sender     = excluded.sender,
			recipients = excluded.recipients,
			date       = excluded.date,
			flags      = excluded.flags,
			fetched_at = excluded.fetched_at`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.FetchedAt.IsZero() {
			m.FetchedAt = now
		}
		to, err := marshalList(m.To)
		if err != nil {
			return fmt.Errorf("marshaling recipients for uid %d: %w", m.UID, err)
		}
		flags, err := marshalList(m.Flags)
		if err != nil {
			return fmt.Errorf("marshaling flags for uid %d: %w", m.UID, err)
		}

		_, err = stmt.ExecContext(ctx,
			m.ID, m.AccountID, m.Mailbox, m.UID,
			m.MessageID, m.Subject, m.From, to,
			m.Date.UTC(), flags, m.FetchedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upserting message %s/%s/%d: %w", m.AccountID, m.Mailbox, m.UID, err)
		}
	}

	return tx.Commit()
}

// GetMessages retrieves cached messages, newest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	var conditions []string
	var args []interface{}

	if filter.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Mailbox != "" {
		conditions = append(conditions, "mailbox = ?")
		args = append(args, filter.Mailbox)
	}
	if filter.Unseen {
		conditions = append(conditions, "flags NOT LIKE ?")
		args = append(args, `%"\\Seen"%`)
	}
	if filter.Query != nil && *filter.Query != "" {
		conditions = append(conditions, "(subject LIKE ? OR sender LIKE ?)")
		q := "%" + *filter.Query + "%"
		args = append(args, q, q)
	}

	query := "SELECT " + messageColumns + " FROM messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY date DESC, uid DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	return msgs, rows.Err()
}

// GetMessage retrieves a single cached message.
func (s *SQLiteStore) GetMessage(ctx context.Context, accountID, mailbox string, uid uint32) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE account_id = ? AND mailbox = ? AND uid = ?",
		accountID, mailbox, uid,
	)

	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("getting message %s/%s/%d: %w", accountID, mailbox, uid, err)
	}

	return &m, nil
}

// SetMessageFlags replaces the cached flags of a message.
func (s *SQLiteStore) SetMessageFlags(ctx context.Context, accountID, mailbox string, uid uint32, flags []string) error {
	encoded, err := marshalList(flags)
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE messages SET flags = ? WHERE account_id = ? AND mailbox = ? AND uid = ?",
		encoded, accountID, mailbox, uid,
	)
	if err != nil {
		return fmt.Errorf("updating flags of %s/%s/%d: %w", accountID, mailbox, uid, err)
	}
	return nil
}

// DeleteMessage drops a message from the cache.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, accountID, mailbox string, uid uint32) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE account_id = ? AND mailbox = ? AND uid = ?",
		accountID, mailbox, uid,
	)
	if err != nil {
		return fmt.Errorf("deleting message %s/%s/%d: %w", accountID, mailbox, uid, err)
	}
	return nil
}

// PruneMessages removes cached messages of a mailbox whose UID is not in
// keep and returns how many were removed.
func (s *SQLiteStore) PruneMessages(ctx context.Context, accountID, mailbox string, keep []uint32) (int64, error) {
	query := "DELETE FROM messages WHERE account_id = ? AND mailbox = ?"
	args := []interface{}{accountID, mailbox}

	if len(keep) > 0 {
		in, inArgs, err := sqlx.In(" AND uid NOT IN (?)", keep)
		if err != nil {
			return 0, fmt.Errorf("building prune query: %w", err)
		}
		query += in
		args = append(args, inArgs...)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("pruning messages of %s/%s: %w", accountID, mailbox, err)
	}
	return res.RowsAffected()
}

const messageColumns = `id, account_id, mailbox, uid, message_id, subject, sender, recipients, date, flags, fetched_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanMessage scans a message row from a sqlx.Rows or sqlx.Row.
func scanMessage(row scanner) (model.Message, error) {
	var (
		m         model.Message
		to        string
		flags     string
		date      time.Time
		fetchedAt time.Time
	)

	err := row.Scan(
		&m.ID, &m.AccountID, &m.Mailbox, &m.UID,
		&m.MessageID, &m.Subject, &m.From, &to,
		&date, &flags, &fetchedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	m.Date = date
	m.FetchedAt = fetchedAt

	if err := json.Unmarshal([]byte(to), &m.To); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(flags), &m.Flags); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling flags: %w", err)
	}

	return m, nil
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
