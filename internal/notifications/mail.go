package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// mailService delivers run reports over SMTP. One message per event; the
// client dials per send so a long-lived process never holds an idle SMTP
// connection between runs.
type mailService struct {
	host       string
	port       int
	username   string
	password   string
	from       string
	recipients []string
	timeout    time.Duration
}

func (s *mailService) Publish(ctx context.Context, event Event, payload Payload) error {
	subject, body, ok := buildMessage(event, payload)
	if !ok {
		return nil
	}

	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return fmt.Errorf("set mail sender %q: %w", s.from, err)
	}
	if err := msg.To(s.recipients...); err != nil {
		return fmt.Errorf("set mail recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(s.port),
		mail.WithTimeout(s.timeout),
		// Internal relays often speak plain SMTP; try TLS, fall back.
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if s.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.username),
			mail.WithPassword(s.password),
		)
	}
	client, err := mail.NewClient(s.host, opts...)
	if err != nil {
		return fmt.Errorf("build smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send report mail: %w", err)
	}
	return nil
}

// buildMessage maps an event and payload to a mail subject and body.
// Unknown events produce no message rather than a malformed one.
func buildMessage(event Event, payload Payload) (subject, body string, ok bool) {
	title := payloadString(payload, "title")
	if title == "" {
		title = "Intake"
	}
	runID := payloadString(payload, "run_id")
	body = payloadString(payload, "body")

	switch event {
	case EventRunCompleted:
		subject = fmt.Sprintf("Intake - %s Run Complete", title)
		if failed := payloadInt(payload, "failed"); failed > 0 {
			subject = fmt.Sprintf("Intake - %s Run Complete (%d failed)", title, failed)
		}
	case EventRunFailed:
		subject = fmt.Sprintf("Intake - %s Run Failed", title)
		if body == "" {
			body = payloadString(payload, "error")
		} else if errText := payloadString(payload, "error"); errText != "" {
			body = errText + "\n\n" + body
		}
	default:
		return "", "", false
	}

	if runID != "" && !strings.Contains(body, runID) {
		body = fmt.Sprintf("Run %s\n%s", runID, body)
	}
	if strings.TrimSpace(body) == "" {
		body = subject
	}
	return subject, body, true
}

func payloadString(payload Payload, key string) string {
	if payload == nil {
		return ""
	}
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

func payloadInt(payload Payload, key string) int {
	if payload == nil {
		return 0
	}
	if v, ok := payload[key].(int); ok {
		return v
	}
	return 0
}
