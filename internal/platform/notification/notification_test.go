package notification

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ehr/recordstore/internal/platform/queue"
)

func TestTemplateEngine_RenderBuiltIn(t *testing.T) {
	e := NewTemplateEngine()
	title, body, err := e.Render(TemplateDocumentUploaded, map[string]string{
		"category":  "radiology",
		"file_name": "chest.png",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if title != "New radiology document" {
		t.Errorf("unexpected title: %q", title)
	}
	if body != "A new document \"chest.png\" has been added to your records." {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	e := NewTemplateEngine()
	if _, _, err := e.Render("nope", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestTemplateEngine_RenderMissingKey(t *testing.T) {
	e := NewTemplateEngine()
	e.RegisterTemplate(Template{ID: "t", Title: "{{a}}", Body: "{{a}} and {{b}}"})

	title, body, err := e.Render("t", map[string]string{"a": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if title != "x" || body != "x and {{b}}" {
		t.Errorf("unexpected render: %q / %q", title, body)
	}
}

func TestQueueSender_PublishesJSON(t *testing.T) {
	q := queue.NewMemoryQueue(2)
	s := NewQueueSender(q)

	err := s.Send(context.Background(), Message{
		RecipientID:   "user_abc",
		RecipientRole: "patient",
		Type:          "document_uploaded",
		Title:         "New document",
		Priority:      PriorityNormal,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload, err := q.Pop(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	var got Message
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID == "" {
		t.Error("expected id to be assigned")
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be assigned")
	}
	if got.RecipientID != "user_abc" || got.Priority != PriorityNormal {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestQueueSender_RequiresRecipient(t *testing.T) {
	s := NewQueueSender(queue.NewMemoryQueue(1))
	if err := s.Send(context.Background(), Message{Title: "x"}); err == nil {
		t.Error("expected error for missing recipient")
	}
}

func TestQueueSender_QueueFull(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	s := NewQueueSender(q)
	ctx := context.Background()
	_ = s.Send(ctx, Message{RecipientID: "a"})
	if err := s.Send(ctx, Message{RecipientID: "b"}); err == nil {
		t.Error("expected error when queue is full")
	}
}

func TestMockSender(t *testing.T) {
	m := &MockSender{}
	_ = m.Send(context.Background(), Message{RecipientID: "a"})
	m.ShouldFail = true
	if err := m.Send(context.Background(), Message{RecipientID: "b"}); err == nil {
		t.Error("expected failure")
	}
	if len(m.Sent()) != 1 {
		t.Errorf("expected 1 recorded message, got %d", len(m.Sent()))
	}
}
