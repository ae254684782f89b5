// Package notification renders and publishes user-facing notifications.
// Delivery (push, email) belongs to a separate notification service that
// consumes the queue this package publishes to.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/recordstore/internal/platform/queue"
)

// Priority of a notification as understood by the delivery service.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Message is one notification addressed to one recipient.
type Message struct {
	ID            string            `json:"id"`
	RecipientID   string            `json:"recipient_id"`
	RecipientRole string            `json:"recipient_role"`
	Type          string            `json:"type"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Priority      Priority          `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Sender hands a message to the delivery service.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// QueueSender publishes messages as JSON onto a queue.
type QueueSender struct {
	q queue.Queue
}

func NewQueueSender(q queue.Queue) *QueueSender {
	return &QueueSender{q: q}
}

func (s *QueueSender) Send(ctx context.Context, msg Message) error {
	if msg.RecipientID == "" {
		return errors.New("notification: recipient is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return s.q.Push(ctx, payload)
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// Template is a reusable title/body pair with {{key}} placeholders.
type Template struct {
	ID    string
	Title string
	Body  string
}

const (
	TemplateDocumentUploaded = "document-uploaded"
	TemplateDocumentOrdered  = "document-ordered"
	TemplateDocumentShared   = "document-shared"
)

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:    TemplateDocumentUploaded,
			Title: "New {{category}} document",
			Body:  "A new document \"{{file_name}}\" has been added to your records.",
		},
		{
			ID:    TemplateDocumentOrdered,
			Title: "Results available: {{file_name}}",
			Body:  "A {{document_type}} document you ordered for patient {{patient_id}} has been uploaded.",
		},
		{
			ID:    TemplateDocumentShared,
			Title: "A document was shared with you",
			Body:  "You now have {{permission}} access to \"{{file_name}}\".",
		},
	} {
		e.templates[t.ID] = t
	}
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render performs {{key}} replacement. Placeholders without data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (title, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Title), r.Replace(t.Body), nil
}

// ---------------------------------------------------------------------------
// Test double
// ---------------------------------------------------------------------------

// MockSender records messages and optionally fails.
type MockSender struct {
	mu         sync.Mutex
	sent       []Message
	ShouldFail bool
}

func (m *MockSender) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		return errors.New("notification service unavailable")
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockSender) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
