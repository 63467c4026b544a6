// Package imapmail implements the mailbox store over IMAP and SMTP.
// Threads are messages addressed by UID and labels are IMAP keywords.
package imapmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/mailbox"
)

// AuthError reports rejected IMAP or SMTP credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "mail auth error: " + e.Message
}

func (e *AuthError) Unwrap() error { return mailbox.ErrAuth }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// session is one logged-in IMAP connection with the mailbox selected.
// Commands on it are serialized by Store.
type session struct {
	client   *imapclient.Client
	selected *imap.SelectData
}

// connector dials and authenticates IMAP connections.
type connector struct {
	cfg Config
	log *slog.Logger
}

// connect establishes a connection to the IMAP server, authenticates,
// and selects the configured mailbox.
func (c *connector) connect(ctx context.Context) (*session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(c.cfg.IMAPHost, c.cfg.IMAPPort)

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Message: fmt.Sprintf("authentication failed for %s: %v", c.cfg.Username, err),
		}
	}

	selected, err := client.Select(c.cfg.Mailbox, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", c.cfg.Mailbox, err)
	}

	c.log.Debug("imap session opened",
		"addr", addr, "mailbox", c.cfg.Mailbox,
		"uid_validity", selected.UIDValidity, "messages", selected.NumMessages)

	return &session{client: client, selected: selected}, nil
}

func (s *session) close() {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.Logout().Wait()
	_ = s.client.Close()
}

// sessionPool holds a single lazily-opened session.
type sessionPool struct {
	mu   sync.Mutex
	conn *connector
	cur  *session
}

func newSessionPool(cfg Config) *sessionPool {
	return &sessionPool{conn: &connector{cfg: cfg, log: logging.New("imap")}}
}

// with runs fn on the shared session, opening it if needed. A failed
// command drops the session so the next call redials.
func (p *sessionPool) with(ctx context.Context, fn func(*session) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur == nil {
		s, err := p.conn.connect(ctx)
		if err != nil {
			return err
		}
		p.cur = s
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	err := fn(p.cur)
	var imapErr *imap.Error
	if err != nil && !errors.As(err, &imapErr) && !errors.Is(err, errNotFound) {
		p.cur.close()
		p.cur = nil
	}
	return err
}

func (p *sessionPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur.close()
	p.cur = nil
}
