// ABOUTME: Tests for escalation email construction and rendering.
// ABOUTME: Message assembly is verified offline; TestSendEmail_BasicDelivery needs Mailpit on localhost:1025 (skips if unavailable).
package escalate

import (
	"context"
	"strings"
	"testing"

	"github.com/wneessen/go-mail"
)

func testSMTP() SMTPConfig {
	return SMTPConfig{
		Host: "localhost",
		Port: 1025,
		From: "jobs@hushryd.local",
	}
}

func TestBuildMessage_BccFanout(t *testing.T) {
	t.Parallel()
	recipients := []string{"ops-a@hushryd.local", "ops-b@hushryd.local"}
	m, err := buildMessage(testSMTP(), recipients, "Payout job failed", "<p>html</p>", "text")
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}

	got, err := m.GetRecipients()
	if err != nil {
		t.Fatalf("GetRecipients: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("recipients = %v, want both operators", got)
	}
	// Operators must not see each other's addresses.
	if len(m.GetTo()) != 0 || len(m.GetCc()) != 0 {
		t.Errorf("to = %v, cc = %v, want all recipients on bcc", m.GetTo(), m.GetCc())
	}

	parts := m.GetParts()
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want text and html alternatives", len(parts))
	}
	for i, wantType := range []string{"text/plain", "text/html"} {
		if ct := string(parts[i].GetContentType()); ct != wantType {
			t.Errorf("part[%d] content type = %q, want %q", i, ct, wantType)
		}
	}
}

func TestBuildMessage_SubjectHeaderInjection(t *testing.T) {
	t.Parallel()
	m, err := buildMessage(testSMTP(), []string{"ops@hushryd.local"},
		"Job failed\r\nBcc: attacker@evil.com", "<p>html</p>", "text")
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}

	subjects := m.GetGenHeader(mail.HeaderSubject)
	if len(subjects) != 1 {
		t.Fatalf("subject headers = %v, want exactly one", subjects)
	}
	if strings.ContainsAny(subjects[0], "\r\n") {
		t.Errorf("subject %q still contains CR/LF", subjects[0])
	}
}

func TestSendEmail_NoRecipients(t *testing.T) {
	t.Parallel()
	err := sendEmail(context.Background(), testSMTP(), nil, "Subject", "<p>html</p>", "text")
	if err == nil {
		t.Error("expected error for empty recipients")
	}
}

func TestSendEmail_BasicDelivery(t *testing.T) {
	err := sendEmail(context.Background(), testSMTP(),
		[]string{"ops@hushryd.local"},
		"Payout job failed",
		"<p>html</p>",
		"text",
	)
	// Skip if Mailpit is not running.
	if err != nil {
		t.Skipf("SMTP not available (Mailpit required): %v", err)
	}
}

func TestRenderEmail_EscapesError(t *testing.T) {
	t.Parallel()
	text, html := renderEmail(event{
		JobID:    "j1",
		Queue:    "payouts",
		Attempts: 5,
		Error:    `gateway said <script>alert(1)</script>`,
	})
	if !strings.Contains(text, "<script>") {
		t.Error("plaintext body should carry the raw error")
	}
	if strings.Contains(html, "<script>") {
		t.Error("html body must escape the error text")
	}
	if !strings.Contains(html, "&lt;script&gt;") {
		t.Errorf("html body = %q, want escaped error", html)
	}
}
