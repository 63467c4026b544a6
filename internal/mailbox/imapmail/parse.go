package imapmail

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/inbox-triage/internal/mailbox"
	"github.com/nhle/inbox-triage/internal/model"
)

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID:  uint32(buf.UID),
		Date: buf.InternalDate,
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		if !buf.Envelope.Date.IsZero() {
			env.Date = buf.Envelope.Date
		}
		if len(buf.Envelope.From) > 0 {
			env.From = buf.Envelope.From[0].Addr()
		}
		for _, to := range buf.Envelope.To {
			env.To = append(env.To, to.Addr())
		}
	}

	for _, flag := range buf.Flags {
		env.Flags = append(env.Flags, string(flag))
	}

	return env
}

// labelIDs returns the durable label ids encoded in keyword flags.
func labelIDs(flags []string) []string {
	var ids []string
	for _, f := range flags {
		if strings.HasPrefix(f, model.KeywordPrefix) {
			ids = append(ids, strings.TrimPrefix(f, model.KeywordPrefix))
		}
	}
	return ids
}

func hasFlag(flags []string, want imap.Flag) bool {
	for _, f := range flags {
		if strings.EqualFold(f, string(want)) {
			return true
		}
	}
	return false
}

// parseMIMEBody parses a raw RFC 5322 message using go-message and
// returns its text/plain and text/html bodies. Attachments are skipped.
func parseMIMEBody(raw []byte) (textBody string, htmlBody string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	return textBody, htmlBody
}

// plainText returns the best plain-text rendering of a parsed message.
func plainText(p *ParsedMessage) string {
	if strings.TrimSpace(p.TextBody) != "" {
		return strings.TrimSpace(p.TextBody)
	}
	return stripHTML(p.HTMLBody)
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes HTML tags from a string and decodes common
// entities, providing a basic plain-text rendering.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}

// composeReply renders a plain-text reply to original as an RFC 5322
// message threaded with In-Reply-To and References.
func composeReply(from string, original Envelope, body string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: original.From}})
	h.SetSubject(mailbox.ReplySubject(original.Subject))
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}
	if original.MessageID != "" {
		h.SetMsgIDList("In-Reply-To", []string{original.MessageID})
		h.SetMsgIDList("References", []string{original.MessageID})
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}
	return buf.Bytes(), nil
}

// keyword returns the IMAP flag for a durable label id.
func keyword(labelID string) imap.Flag {
	return imap.Flag(model.KeywordForID(labelID))
}
