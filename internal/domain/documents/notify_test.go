package documents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordstore/internal/platform/notification"
)

func TestComposeCreated(t *testing.T) {
	d := &Document{ID: "doc-1", FileName: "cbc.pdf", DocumentType: "blood_test", Category: CategoryPathology, PatientID: "user_p1", Version: 2}
	templates := notification.NewTemplateEngine()

	patientMsg, err := ComposeCreated(templates, d, "user_p1", RecipientPatient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patientMsg.Type != NotificationDocumentUploaded || patientMsg.Priority != notification.PriorityNormal {
		t.Errorf("unexpected patient message %+v", patientMsg)
	}
	if patientMsg.Metadata["version"] != "2" || patientMsg.Metadata["category"] != CategoryPathology {
		t.Errorf("unexpected metadata %v", patientMsg.Metadata)
	}

	doctorMsg, err := ComposeCreated(templates, d, "user_dr", RecipientDoctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doctorMsg.Type != NotificationDocumentOrdered || doctorMsg.Priority != notification.PriorityHigh {
		t.Errorf("unexpected doctor message %+v", doctorMsg)
	}
	if !strings.Contains(doctorMsg.Body, "user_p1") {
		t.Errorf("expected doctor body to name the patient, got %q", doctorMsg.Body)
	}
}

func TestComposeShared(t *testing.T) {
	d := &Document{ID: "doc-1", FileName: "mri.dcm"}
	g := SharingGrant{UserID: "u1", UserRole: "nurse", Permission: PermissionDownload}

	msg, err := ComposeShared(notification.NewTemplateEngine(), d, g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.RecipientID != "u1" || msg.RecipientRole != "nurse" {
		t.Errorf("unexpected recipient %s/%s", msg.RecipientID, msg.RecipientRole)
	}
	if msg.Metadata["permission"] != "download" {
		t.Errorf("expected permission metadata, got %v", msg.Metadata)
	}
}

func TestComposeCreated_MissingTemplate(t *testing.T) {
	empty := &notification.TemplateEngine{}
	if _, err := ComposeCreated(empty, &Document{}, "x", RecipientPatient); err == nil {
		t.Error("expected error for missing template")
	}
}

func TestDispatcher_NoSender(t *testing.T) {
	repo := newMemoryRepo()
	d := NewDispatcher(nil, nil, newTestEnv().svc.resolver, repo, nil, time.Second, zerolog.Nop())

	d.DocumentCreated(context.Background(), &Document{ID: "doc-1", PatientID: "user_p1"})
	d.Wait()
}

func TestDispatcher_ScopeFailure(t *testing.T) {
	env := newTestEnv()
	sender := &notification.MockSender{}
	scope := ScopeFunc(func(context.Context, func(context.Context) error) error {
		return errors.New("pool exhausted")
	})
	d := NewDispatcher(sender, nil, env.svc.resolver, env.repo, scope, time.Second, zerolog.Nop())

	d.DocumentCreated(context.Background(), &Document{ID: "doc-1", PatientID: "user_p1"})
	d.Wait()

	if n := len(sender.Sent()); n != 0 {
		t.Errorf("expected nothing sent without a scope, got %d", n)
	}
}

func TestDispatcher_SharedDoesNotStampNotifiedAt(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	id := seedDocument(t, env.repo)
	doc, _ := env.repo.GetByID(ctx, id, false)

	env.notify.DocumentShared(ctx, doc, SharingGrant{UserID: "u1", UserRole: "doctor", Permission: PermissionView})
	env.notify.Wait()

	reloaded, _ := env.repo.GetByID(ctx, id, false)
	if reloaded.PatientNotifiedAt != nil || reloaded.DoctorNotifiedAt != nil {
		t.Error("expected share notification to leave timestamps alone")
	}
	if n := len(env.sender.Sent()); n != 1 {
		t.Errorf("expected 1 message, got %d", n)
	}
}

func TestDispatcher_UsesSnapshot(t *testing.T) {
	env := newTestEnv()
	id := seedDocument(t, env.repo)
	doc, _ := env.repo.GetByID(context.Background(), id, false)
	doc.FileName = "before.pdf"

	env.notify.DocumentCreated(context.Background(), doc)
	doc.FileName = "after.pdf"
	env.notify.Wait()

	sent := env.sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Body, "before.pdf") {
		t.Errorf("expected message built from the dispatched document, got %q", sent[0].Body)
	}
}
