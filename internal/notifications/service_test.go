package notifications_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"

	"intake/internal/config"
	"intake/internal/notifications"
)

func TestNewServiceReturnsNoopWhenDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.Enabled = false
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventRunCompleted, notifications.Payload{"title": "Clinical"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNewServiceReturnsNoopWhenDeliveryFieldsMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.Enabled = true
	cfg.Notifications.SMTPHost = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventRunFailed, nil); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestMailServiceDeliversReport(t *testing.T) {
	capture := &smtpCapture{}
	port := startFakeSMTP(t, capture)

	cfg := config.Default()
	cfg.Notifications.Enabled = true
	cfg.Notifications.SMTPHost = "127.0.0.1"
	cfg.Notifications.SMTPPort = port
	cfg.Notifications.From = "intake@example.org"
	cfg.Notifications.Recipients = []string{"ops@example.org", "pi@example.org"}
	cfg.Notifications.RequestTimeout = 5

	svc := notifications.NewService(&cfg)
	err := svc.Publish(context.Background(), notifications.EventRunCompleted, notifications.Payload{
		"title":  "Clinical",
		"run_id": "ab12cd34",
		"body":   "Clinical run ab12cd34\nUnits: 3 total, 2 succeeded, 1 failed, 0 skipped",
		"failed": 1,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if !strings.Contains(capture.from, "intake@example.org") {
		t.Errorf("sender not set: %q", capture.from)
	}
	if len(capture.rcpts) != 2 {
		t.Errorf("expected 2 recipients, got %v", capture.rcpts)
	}
	if !strings.Contains(capture.data, "Subject: Intake - Clinical Run Complete (1 failed)") {
		t.Errorf("subject missing from message:\n%s", capture.data)
	}
	if !strings.Contains(capture.data, "Units: 3 total") {
		t.Errorf("report body missing from message:\n%s", capture.data)
	}
}

type smtpCapture struct {
	mu    sync.Mutex
	from  string
	rcpts []string
	data  string
}

// startFakeSMTP serves just enough plain-text SMTP for one delivery and
// records the envelope and message data.
func startFakeSMTP(t *testing.T, capture *smtpCapture) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSMTP(conn, capture)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func serveSMTP(conn net.Conn, capture *smtpCapture) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	write := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	write("220 fake ESMTP")
	inData := false
	var data strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if inData {
			if line == "." {
				inData = false
				capture.mu.Lock()
				capture.data = data.String()
				capture.mu.Unlock()
				write("250 OK")
				continue
			}
			data.WriteString(line)
			data.WriteString("\n")
			continue
		}
		switch upper := strings.ToUpper(line); {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			write("250-fake")
			write("250 8BITMIME")
		case strings.HasPrefix(upper, "MAIL FROM"):
			capture.mu.Lock()
			capture.from = line
			capture.mu.Unlock()
			write("250 OK")
		case strings.HasPrefix(upper, "RCPT TO"):
			capture.mu.Lock()
			capture.rcpts = append(capture.rcpts, line)
			capture.mu.Unlock()
			write("250 OK")
		case strings.HasPrefix(upper, "DATA"):
			inData = true
			write("354 go ahead")
		case strings.HasPrefix(upper, "QUIT"):
			write("221 bye")
			return
		default:
			write("250 OK")
		}
	}
}
