package notifications

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildMessageSubjects(t *testing.T) {
	tests := []struct {
		name          string
		event         Event
		payload       Payload
		expectSubject string
		expectInBody  string
	}{
		{
			name:          "completed clean",
			event:         EventRunCompleted,
			payload:       Payload{"title": "Clinical", "body": "Units: 3 total"},
			expectSubject: "Intake - Clinical Run Complete",
			expectInBody:  "Units: 3 total",
		},
		{
			name:          "completed with failures",
			event:         EventRunCompleted,
			payload:       Payload{"title": "Dicom", "failed": 2, "body": "Units: 5 total"},
			expectSubject: "Intake - Dicom Run Complete (2 failed)",
			expectInBody:  "Units: 5 total",
		},
		{
			name:          "run failed carries error",
			event:         EventRunFailed,
			payload:       Payload{"title": "Bids Participants", "error": errors.New("credentials rejected")},
			expectSubject: "Intake - Bids Participants Run Failed",
			expectInBody:  "credentials rejected",
		},
		{
			name:          "missing title falls back",
			event:         EventRunCompleted,
			payload:       Payload{},
			expectSubject: "Intake - Intake Run Complete",
			expectInBody:  "Run Complete",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			subject, body, ok := buildMessage(tc.event, tc.payload)
			if !ok {
				t.Fatal("expected a message to be built")
			}
			if subject != tc.expectSubject {
				t.Errorf("subject = %q, want %q", subject, tc.expectSubject)
			}
			if !strings.Contains(body, tc.expectInBody) {
				t.Errorf("body %q does not contain %q", body, tc.expectInBody)
			}
		})
	}
}

func TestBuildMessageUnknownEventSuppressed(t *testing.T) {
	if _, _, ok := buildMessage(Event("mystery"), Payload{"title": "X"}); ok {
		t.Error("unknown events must not produce mail")
	}
}

func TestBuildMessagePrependsRunID(t *testing.T) {
	_, body, ok := buildMessage(EventRunCompleted, Payload{"run_id": "ab12cd34", "body": "all good"})
	if !ok {
		t.Fatal("expected a message")
	}
	if !strings.HasPrefix(body, "Run ab12cd34") {
		t.Errorf("body should lead with the run ID, got %q", body)
	}
}
