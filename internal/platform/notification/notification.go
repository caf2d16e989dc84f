// Package notification renders reminder text from templates and delivers
// fired reminders over email and push channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// Channel identifies how a fired reminder reaches its owner.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Built-in template ids.
const (
	TemplateMedicationDose        = "medication-dose"
	TemplateAppointmentDayBefore  = "appointment-day-before"
	TemplateAppointmentSameDay    = "appointment-same-day"
	TemplateAppointmentHourBefore = "appointment-hour-before"
	TemplateReminderEmail         = "reminder-email"
)

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable reminder text. Subject doubles as the
// notification title.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages reminder templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateMedicationDose,
			Name:    "Medication Dose",
			Subject: "Time for your {{medication}}",
			Body:    "Take {{dosage}} of {{medication}}. {{instructions}}",
		},
		{
			ID:      TemplateAppointmentDayBefore,
			Name:    "Appointment Tomorrow",
			Subject: "Appointment tomorrow",
			Body:    "You have an appointment on {{date}} at {{time}} with {{doctor}}.",
		},
		{
			ID:      TemplateAppointmentSameDay,
			Name:    "Appointment Today",
			Subject: "Appointment today",
			Body:    "Today at {{time}} you have an appointment with {{doctor}} in {{room}}.",
		},
		{
			ID:      TemplateAppointmentHourBefore,
			Name:    "Appointment In One Hour",
			Subject: "Your appointment starts in one hour",
			Body:    "Your appointment with {{doctor}} starts at {{time}} in {{room}}.",
		},
		{
			ID:      TemplateReminderEmail,
			Name:    "Reminder Email",
			Subject: "Salus reminder: {{title}}",
			Body:    "{{body}}\n\nThis reminder was scheduled from your Salus account.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is. Surrounding whitespace is trimmed from both results.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return strings.TrimSpace(subject), strings.TrimSpace(body), nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// PushSender delivers a short message to every live session of an owner.
type PushSender interface {
	Push(ctx context.Context, ownerID string, title, body string, data map[string]any) error
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// PushCall records a single call to Push.
type PushCall struct {
	OwnerID string
	Title   string
	Body    string
	Data    map[string]any
}

// MockPushSender is a test double for PushSender.
type MockPushSender struct {
	mu         sync.Mutex
	calls      []PushCall
	ShouldFail bool
	FailError  string
}

// Push records the call and optionally returns an error.
func (m *MockPushSender) Push(_ context.Context, ownerID, title, body string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, PushCall{OwnerID: ownerID, Title: title, Body: body, Data: data})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded push calls.
func (m *MockPushSender) Calls() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushCall, len(m.calls))
	copy(out, m.calls)
	return out
}
