package imapmail

import "time"

// Envelope holds the parsed envelope data from an IMAP message.
type Envelope struct {
	MessageID string
	Subject   string
	From      string
	To        []string
	Date      time.Time
	Flags     []string // \Seen, \Answered, keywords
	UID       uint32
}

// ParsedMessage holds the full parsed content of an email message.
type ParsedMessage struct {
	Envelope Envelope
	TextBody string
	HTMLBody string
}

// Config holds the account settings for both IMAP and SMTP.
type Config struct {
	IMAPHost      string
	IMAPPort      string
	SMTPHost      string
	SMTPPort      string
	Username      string
	Password      string
	TLS           bool
	Mailbox       string
	DraftsMailbox string
}

// SMTPConfig holds the SMTP server settings for sending replies.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

func (c Config) smtp() SMTPConfig {
	return SMTPConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		Username: c.Username,
		Password: c.Password,
		TLS:      c.TLS,
	}
}
