package mailops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailtask/internal/model"
)

// Mailer is the IMAP surface used by the operations. Every call opens its
// own session; password is looked up by the caller.
type Mailer interface {
	FetchEnvelopes(ctx context.Context, password, mailbox string, since time.Time, limit int, progress func(done, total int)) ([]Envelope, error)
	FetchMessage(ctx context.Context, password, mailbox string, uid uint32) (*ParsedMessage, error)
	SetFlags(ctx context.Context, password, mailbox string, uid uint32, flags []imap.Flag, add bool) error
	Move(ctx context.Context, password, mailbox string, uid uint32, dest string) error
}

// IMAPClient wraps go-imap v2 for connecting to and querying IMAP servers.
type IMAPClient struct {
	account  string
	addr     string
	username string
	tls      bool
}

var _ Mailer = (*IMAPClient)(nil)

// NewIMAPClient creates a client for the configured account.
func NewIMAPClient(acct model.AccountConfig) *IMAPClient {
	return &IMAPClient{
		account:  acct.ID,
		addr:     acct.Address(),
		username: acct.Username,
		tls:      acct.TLS,
	}
}

// Connect establishes a connection to the IMAP server, authenticates,
// and returns the connected client. The caller is responsible for
// calling Logout/Close on the returned client. Cancelling ctx closes the
// connection, which unblocks any pending command.
func (c *IMAPClient) Connect(ctx context.Context, password string) (*imapclient.Client, func(), error) {
	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(c.addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(c.addr, nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to IMAP %s: %w", c.addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	closeFn := func() {
		stop()
		_ = client.Logout().Wait()
	}

	if err := client.Login(c.username, password).Wait(); err != nil {
		closeFn()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &AuthError{
			Account: c.account,
			Message: fmt.Sprintf("authentication failed for %s: %v", c.username, err),
		}
	}

	return client, closeFn, nil
}

// session connects, selects mailbox and runs fn. The connection is
// closed when fn returns.
func (c *IMAPClient) session(ctx context.Context, password, mailbox string, fn func(*imapclient.Client) error) error {
	client, closeFn, err := c.Connect(ctx, password)
	if err != nil {
		return err
	}
	defer closeFn()

	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", mailbox, ctxErr(ctx, err))
	}
	return fn(client)
}

// FetchEnvelopes returns the envelopes of the newest limit messages of
// mailbox received since the given time. progress is called after each
// envelope.
func (c *IMAPClient) FetchEnvelopes(
	ctx context.Context, password, mailbox string, since time.Time, limit int, progress func(done, total int),
) ([]Envelope, error) {
	var envelopes []Envelope
	err := c.session(ctx, password, mailbox, func(client *imapclient.Client) error {
		found, err := client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching %s: %w", mailbox, ctxErr(ctx, err))
		}
		uids := found.AllUIDs()
		if limit > 0 && len(uids) > limit {
			uids = uids[len(uids)-limit:]
		}
		if len(uids) == 0 {
			return nil
		}

		cmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{Envelope: true, Flags: true, UID: true})
		defer cmd.Close()

		envelopes = make([]Envelope, 0, len(uids))
		for msg := cmd.Next(); msg != nil; msg = cmd.Next() {
			buf, err := msg.Collect()
			if err != nil {
				// A malformed envelope must not sink the whole sync.
				continue
			}
			envelopes = append(envelopes, envelopeFromBuffer(buf))
			if progress != nil {
				progress(len(envelopes), len(uids))
			}
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("fetching envelopes: %w", ctxErr(ctx, err))
		}
		return nil
	})
	return envelopes, err
}

// FetchMessage returns the full message with the given UID without
// setting \Seen.
func (c *IMAPClient) FetchMessage(ctx context.Context, password, mailbox string, uid uint32) (*ParsedMessage, error) {
	var parsed *ParsedMessage
	err := c.session(ctx, password, mailbox, func(client *imapclient.Client) error {
		section := &imap.FetchItemBodySection{Peek: true}
		cmd := client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
			Envelope:    true,
			Flags:       true,
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		})
		defer cmd.Close()

		msg := cmd.Next()
		if msg == nil {
			return fmt.Errorf("message UID %d not found in %s", uid, mailbox)
		}
		buf, err := msg.Collect()
		if err != nil {
			return fmt.Errorf("collecting message %d: %w", uid, ctxErr(ctx, err))
		}

		parsed = &ParsedMessage{Envelope: envelopeFromBuffer(buf)}
		if raw := buf.FindBodySection(section); raw != nil {
			parsed.TextBody, parsed.HTMLBody, parsed.Attachments = parseMIMEBody(raw)
		}
		return cmd.Close()
	})
	return parsed, err
}

// SetFlags adds or removes flags on one message.
func (c *IMAPClient) SetFlags(ctx context.Context, password, mailbox string, uid uint32, flags []imap.Flag, add bool) error {
	op := imap.StoreFlagsDel
	if add {
		op = imap.StoreFlagsAdd
	}
	return c.session(ctx, password, mailbox, func(client *imapclient.Client) error {
		cmd := client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{Op: op, Silent: true, Flags: flags}, nil)
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("storing flags on %d: %w", uid, ctxErr(ctx, err))
		}
		return nil
	})
}

// Move moves the message to dest. Servers without MOVE get a copy and a
// \Deleted flag from the client library.
func (c *IMAPClient) Move(ctx context.Context, password, mailbox string, uid uint32, dest string) error {
	return c.session(ctx, password, mailbox, func(client *imapclient.Client) error {
		if _, err := client.Move(imap.UIDSetNum(imap.UID(uid)), dest).Wait(); err != nil {
			return fmt.Errorf("moving UID %d to %s: %w", uid, dest, ctxErr(ctx, err))
		}
		return nil
	})
}

// ctxErr prefers the context error when a command failed because the
// connection was closed on cancellation.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// envelopeFromBuffer converts fetched data to an Envelope. From is the
// display name of the first sender, or its address when unnamed.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{UID: uint32(buf.UID)}
	for _, f := range buf.Flags {
		env.Flags = append(env.Flags, string(f))
	}

	e := buf.Envelope
	if e == nil {
		return env
	}
	env.MessageID, env.Subject, env.Date = e.MessageID, e.Subject, e.Date
	if len(e.From) > 0 {
		env.From = e.From[0].Name
		if env.From == "" {
			env.From = e.From[0].Addr()
		}
	}
	for _, to := range e.To {
		env.To = append(env.To, to.Addr())
	}
	return env
}

// parseMIMEBody parses a raw RFC 2822 message using go-message and
// extracts the text/plain body, text/html body, and attachment metadata.
func parseMIMEBody(raw []byte) (textBody string, htmlBody string, attachments []Attachment) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, try treating the whole thing as plain text
		return string(raw), "", nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			n, readErr := io.Copy(io.Discard, part.Body)
			if readErr != nil {
				continue
			}

			attachments = append(attachments, Attachment{
				Filename: filename,
				Size:     n,
				MIMEType: contentType,
			})
		}
	}

	return textBody, htmlBody, attachments
}
