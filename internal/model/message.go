package model

import "time"

// IMAP system flags tracked by the message cache.
const (
	FlagSeen     = `\Seen`
	FlagFlagged  = `\Flagged`
	FlagAnswered = `\Answered`
	FlagDeleted  = `\Deleted`
)

// Message is one cached envelope of an account mailbox.
type Message struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	Mailbox   string    `json:"mailbox" db:"mailbox"`
	UID       uint32    `json:"uid" db:"uid"`
	MessageID string    `json:"message_id" db:"message_id"`
	Subject   string    `json:"subject" db:"subject"`
	From      string    `json:"from" db:"sender"`
	To        []string  `json:"to" db:"-"`
	Date      time.Time `json:"date" db:"date"`
	Flags     []string  `json:"flags" db:"-"`
	FetchedAt time.Time `json:"fetched_at" db:"fetched_at"`
}

// HasFlag reports whether flag is set on the message.
func (m Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Seen reports whether the message has been read.
func (m Message) Seen() bool { return m.HasFlag(FlagSeen) }
