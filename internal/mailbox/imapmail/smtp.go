package imapmail

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// sendMail delivers a composed message to a single recipient.
func sendMail(cfg SMTPConfig, to string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	if cfg.TLS {
		return sendSMTPWithTLS(addr, cfg, to, msg)
	}
	return sendSMTPWithStartTLS(addr, cfg, to, msg)
}

// sendSMTPWithTLS sends an email over an implicit TLS connection.
func sendSMTPWithTLS(addr string, cfg SMTPConfig, to string, msg []byte) error {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
	if err != nil {
		return fmt.Errorf("TLS dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	if err := client.Auth(auth); err != nil {
		return &AuthError{Message: fmt.Sprintf("SMTP auth for %s: %v", cfg.Username, err)}
	}

	return sendMailViaSMTPClient(client, cfg.Username, to, msg)
}

// sendSMTPWithStartTLS sends an email using STARTTLS.
func sendSMTPWithStartTLS(addr string, cfg SMTPConfig, to string, msg []byte) error {
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
		return fmt.Errorf("SMTP STARTTLS: %w", err)
	}

	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	if err := client.Auth(auth); err != nil {
		return &AuthError{Message: fmt.Sprintf("SMTP auth for %s: %v", cfg.Username, err)}
	}

	return sendMailViaSMTPClient(client, cfg.Username, to, msg)
}

// sendMailViaSMTPClient sends a message using an already-authenticated
// SMTP client.
func sendMailViaSMTPClient(client *smtp.Client, from, to string, msg []byte) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}

	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT TO: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}

	if _, err := writer.Write(msg); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}
