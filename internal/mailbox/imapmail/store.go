package imapmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/mailbox"
	"github.com/nhle/inbox-triage/internal/model"
)

var errNotFound = mailbox.ErrThreadNotFound

// Store is a mailbox.Store backed by an IMAP account. Replies are sent
// over SMTP and drafts are appended to the drafts mailbox.
type Store struct {
	cfg  Config
	pool *sessionPool
	log  *slog.Logger
	now  func() time.Time

	// send delivers composed replies over SMTP.
	send func(cfg SMTPConfig, to string, msg []byte) error
}

var _ mailbox.Store = (*Store)(nil)

// New creates a Store. No connection is made until the first call.
func New(cfg Config) *Store {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.DraftsMailbox == "" {
		cfg.DraftsMailbox = "Drafts"
	}
	return &Store{
		cfg:  cfg,
		pool: newSessionPool(cfg),
		log:  logging.New("imap"),
		now:  time.Now,
		send: sendMail,
	}
}

// Close logs out of the IMAP server.
func (s *Store) Close() error {
	s.pool.close()
	return nil
}

// ValidateConnection verifies credentials and returns a status line.
func (s *Store) ValidateConnection(ctx context.Context) (string, error) {
	var msg string
	err := s.pool.with(ctx, func(sess *session) error {
		msg = fmt.Sprintf("connected as %s, %s has %d messages",
			s.cfg.Username, s.cfg.Mailbox, sess.selected.NumMessages)
		return nil
	})
	return msg, err
}

// searchCriteria translates a mailbox query into IMAP SEARCH criteria.
func searchCriteria(q mailbox.Query) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if q.AfterUID > 0 {
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(q.AfterUID + 1), Stop: 0}}}
	}
	if !q.Since.IsZero() {
		criteria.Since = q.Since
	}
	if q.Unread {
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}
	if q.ExcludeLabel != "" {
		criteria.NotFlag = append(criteria.NotFlag, keyword(q.ExcludeLabel))
	}
	return criteria
}

func (s *Store) Search(ctx context.Context, q mailbox.Query) ([]mailbox.ThreadRef, error) {
	var uids []imap.UID
	err := s.pool.with(ctx, func(sess *session) error {
		data, err := sess.client.UIDSearch(searchCriteria(q), nil).Wait()
		if err != nil {
			return fmt.Errorf("searching messages: %w", err)
		}
		uids = data.AllUIDs()
		return nil
	})
	if err != nil {
		return nil, err
	}

	// "n:*" always matches the newest message, even below n.
	if q.AfterUID > 0 {
		uids = slices.DeleteFunc(uids, func(u imap.UID) bool { return uint32(u) <= q.AfterUID })
	}
	slices.Sort(uids)
	if q.Limit > 0 && len(uids) > q.Limit {
		uids = uids[:q.Limit]
	}

	refs := make([]mailbox.ThreadRef, len(uids))
	for i, uid := range uids {
		refs[i] = mailbox.ThreadRef{ID: strconv.FormatUint(uint64(uid), 10)}
	}
	return refs, nil
}

// fetch retrieves the envelope and body of one message.
func (s *Store) fetch(ctx context.Context, uid uint32) (*ParsedMessage, error) {
	var parsed *ParsedMessage
	err := s.pool.with(ctx, func(sess *session) error {
		bodySection := &imap.FetchItemBodySection{Peek: true}
		fetchCmd := sess.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
			Envelope:     true,
			Flags:        true,
			UID:          true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{bodySection},
		})
		defer fetchCmd.Close()

		msg := fetchCmd.Next()
		if msg == nil {
			if err := fetchCmd.Close(); err != nil {
				return fmt.Errorf("fetching UID %d: %w", uid, err)
			}
			return fmt.Errorf("%w: UID %d", errNotFound, uid)
		}

		buf, err := msg.Collect()
		if err != nil {
			return fmt.Errorf("collecting message data: %w", err)
		}

		parsed = &ParsedMessage{Envelope: envelopeFromBuffer(buf)}
		if raw := buf.FindBodySection(bodySection); raw != nil {
			parsed.TextBody, parsed.HTMLBody = parseMIMEBody(raw)
		}
		return fetchCmd.Close()
	})
	return parsed, err
}

func (s *Store) GetMessages(ctx context.Context, ref mailbox.ThreadRef) ([]mailbox.Message, error) {
	uid, err := parseUID(ref.ID)
	if err != nil {
		return nil, err
	}
	parsed, err := s.fetch(ctx, uid)
	if err != nil {
		return nil, err
	}

	env := parsed.Envelope
	return []mailbox.Message{{
		ID:        ref.ID,
		MessageID: env.MessageID,
		From:      env.From,
		To:        env.To,
		Subject:   env.Subject,
		Body:      plainText(parsed),
		Date:      env.Date,
		Seen:      hasFlag(env.Flags, imap.FlagSeen),
		Labels:    labelIDs(env.Flags),
	}}, nil
}

// setFlags adds or removes flags on a message.
func (s *Store) setFlags(ctx context.Context, uid uint32, flags []imap.Flag, add bool) error {
	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}
	return s.pool.with(ctx, func(sess *session) error {
		storeCmd := sess.client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
			Op:     op,
			Silent: true,
			Flags:  flags,
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return fmt.Errorf("storing flags on UID %d: %w", uid, err)
		}
		return nil
	})
}

func (s *Store) AddLabel(ctx context.Context, ref mailbox.ThreadRef, labelID string) error {
	uid, err := parseUID(ref.ID)
	if err != nil {
		return err
	}
	return s.setFlags(ctx, uid, []imap.Flag{keyword(labelID)}, true)
}

func (s *Store) RemoveLabel(ctx context.Context, ref mailbox.ThreadRef, labelID string) error {
	uid, err := parseUID(ref.ID)
	if err != nil {
		return err
	}
	return s.setFlags(ctx, uid, []imap.Flag{keyword(labelID)}, false)
}

// CreateDraftReply appends a threaded reply to the drafts mailbox.
func (s *Store) CreateDraftReply(ctx context.Context, ref mailbox.ThreadRef, body string) error {
	uid, err := parseUID(ref.ID)
	if err != nil {
		return err
	}
	original, err := s.fetch(ctx, uid)
	if err != nil {
		return fmt.Errorf("fetching message for draft: %w", err)
	}

	now := s.now()
	msg, err := composeReply(s.cfg.Username, original.Envelope, body, now)
	if err != nil {
		return err
	}

	return s.pool.with(ctx, func(sess *session) error {
		appendCmd := sess.client.Append(s.cfg.DraftsMailbox, int64(len(msg)), &imap.AppendOptions{
			Flags: []imap.Flag{imap.FlagDraft, imap.FlagSeen},
			Time:  now,
		})
		if _, err := appendCmd.Write(msg); err != nil {
			_ = appendCmd.Close()
			return fmt.Errorf("writing draft: %w", err)
		}
		if err := appendCmd.Close(); err != nil {
			return fmt.Errorf("closing draft: %w", err)
		}
		if _, err := appendCmd.Wait(); err != nil {
			return fmt.Errorf("appending draft to %s: %w", s.cfg.DraftsMailbox, err)
		}
		return nil
	})
}

// Reply sends a threaded reply over SMTP and marks the original answered.
func (s *Store) Reply(ctx context.Context, ref mailbox.ThreadRef, body string) error {
	uid, err := parseUID(ref.ID)
	if err != nil {
		return err
	}
	original, err := s.fetch(ctx, uid)
	if err != nil {
		return fmt.Errorf("fetching message for reply: %w", err)
	}
	if original.Envelope.From == "" {
		return fmt.Errorf("message UID %d has no sender", uid)
	}

	msg, err := composeReply(s.cfg.Username, original.Envelope, body, s.now())
	if err != nil {
		return err
	}
	if err := s.send(s.cfg.smtp(), original.Envelope.From, msg); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}

	if err := s.setFlags(ctx, uid, []imap.Flag{imap.FlagAnswered}, true); err != nil {
		s.log.Warn("reply sent but marking answered failed", "uid", uid, "error", err)
	}
	return nil
}

// Cursor reselects the mailbox and reports its UID position.
func (s *Store) Cursor(ctx context.Context) (model.ScanCursor, error) {
	var cur model.ScanCursor
	err := s.pool.with(ctx, func(sess *session) error {
		data, err := sess.client.Select(s.cfg.Mailbox, nil).Wait()
		if err != nil {
			return fmt.Errorf("selecting %s: %w", s.cfg.Mailbox, err)
		}
		sess.selected = data
		cur = model.ScanCursor{UIDValidity: data.UIDValidity, SavedAt: s.now()}
		if data.UIDNext > 0 {
			cur.LastUID = uint32(data.UIDNext) - 1
		}
		return nil
	})
	return cur, err
}

// parseUID converts a thread id to a UID.
func parseUID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || uid == 0 {
		return 0, errors.Join(fmt.Errorf("invalid message UID %q", id), err)
	}
	return uint32(uid), nil
}
