package documents

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordstore/internal/platform/db"
	"github.com/ehr/recordstore/internal/platform/notification"
)

// Recipient is who a document notification is addressed to.
type Recipient string

const (
	RecipientPatient Recipient = "patient"
	RecipientDoctor  Recipient = "doctor"
	RecipientSharee  Recipient = "sharee"
)

const (
	NotificationDocumentUploaded = "document_uploaded"
	NotificationDocumentOrdered  = "document_ordered"
	NotificationDocumentShared   = "document_shared"
)

func documentMetadata(d *Document) map[string]string {
	return map[string]string{
		"document_id":   d.ID,
		"document_uuid": d.UUID.String(),
		"category":      d.Category,
		"document_type": d.DocumentType,
		"version":       strconv.Itoa(d.Version),
	}
}

// ComposeCreated renders the notification for a new document. It has no
// side effects.
func ComposeCreated(t *notification.TemplateEngine, d *Document, recipientID string, r Recipient) (notification.Message, error) {
	tmpl, typ, prio := notification.TemplateDocumentUploaded, NotificationDocumentUploaded, notification.PriorityNormal
	if r == RecipientDoctor {
		tmpl, typ, prio = notification.TemplateDocumentOrdered, NotificationDocumentOrdered, notification.PriorityHigh
	}
	title, body, err := t.Render(tmpl, map[string]string{
		"file_name":     d.FileName,
		"category":      d.Category,
		"document_type": d.DocumentType,
		"patient_id":    d.PatientID,
	})
	if err != nil {
		return notification.Message{}, err
	}
	return notification.Message{
		RecipientID:   recipientID,
		RecipientRole: string(r),
		Type:          typ,
		Title:         title,
		Body:          body,
		Priority:      prio,
		Metadata:      documentMetadata(d),
	}, nil
}

// ComposeShared renders the notification telling a user about a new grant.
func ComposeShared(t *notification.TemplateEngine, d *Document, g SharingGrant) (notification.Message, error) {
	title, body, err := t.Render(notification.TemplateDocumentShared, map[string]string{
		"file_name":  d.FileName,
		"permission": string(g.Permission),
	})
	if err != nil {
		return notification.Message{}, err
	}
	meta := documentMetadata(d)
	meta["permission"] = string(g.Permission)
	return notification.Message{
		RecipientID:   g.UserID,
		RecipientRole: g.UserRole,
		Type:          NotificationDocumentShared,
		Title:         title,
		Body:          body,
		Priority:      notification.PriorityLow,
		Metadata:      meta,
	}, nil
}

// Dispatcher sends document notifications in the background. Failures are
// logged and counted; they never reach the request that triggered them.
type Dispatcher struct {
	sender    notification.Sender
	templates *notification.TemplateEngine
	resolver  Resolver
	repo      Repository
	scope     Scoper
	timeout   time.Duration
	log       zerolog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

func NewDispatcher(sender notification.Sender, templates *notification.TemplateEngine, resolver Resolver,
	repo Repository, scope Scoper, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if templates == nil {
		templates = notification.NewTemplateEngine()
	}
	if scope == nil {
		scope = DirectScope
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sender:    sender,
		templates: templates,
		resolver:  resolver,
		repo:      repo,
		scope:     scope,
		timeout:   timeout,
		log:       log.With().Str("component", "notifications").Logger(),
		now:       time.Now,
	}
}

// DocumentCreated notifies the patient and, when set, the ordering doctor.
func (d *Dispatcher) DocumentCreated(ctx context.Context, doc *Document) {
	snapshot := *doc
	d.spawn(ctx, snapshot.ID, func(ctx context.Context) {
		d.deliverCreated(ctx, &snapshot, RecipientPatient, snapshot.PatientID)
		if ref := snapshot.OrderingDoctorID; ref != nil && *ref != "" {
			d.deliverCreated(ctx, &snapshot, RecipientDoctor, *ref)
		}
	})
}

// DocumentShared notifies the user who received a grant.
func (d *Dispatcher) DocumentShared(ctx context.Context, doc *Document, g SharingGrant) {
	snapshot := *doc
	d.spawn(ctx, snapshot.ID, func(ctx context.Context) {
		msg, err := ComposeShared(d.templates, &snapshot, g)
		if err != nil {
			d.log.Error().Err(err).Str("document_id", snapshot.ID).Msg("compose share notification")
			notificationsTotal.WithLabelValues(string(RecipientSharee), "compose_error").Inc()
			return
		}
		d.send(ctx, &snapshot, RecipientSharee, msg)
	})
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) spawn(ctx context.Context, documentID string, fn func(ctx context.Context)) {
	if d.sender == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Interface("panic", r).Str("document_id", documentID).Msg("notification dispatch panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(db.Detach(ctx), d.timeout)
		defer cancel()
		err := d.scope.Run(ctx, func(ctx context.Context) error {
			fn(ctx)
			return nil
		})
		if err != nil {
			d.log.Warn().Err(err).Str("document_id", documentID).Msg("notification scope unavailable")
		}
	}()
}

func (d *Dispatcher) deliverCreated(ctx context.Context, doc *Document, r Recipient, ref string) {
	res := d.resolver.Resolve(ctx, ref)
	msg, err := ComposeCreated(d.templates, doc, res.Canonical, r)
	if err != nil {
		d.log.Error().Err(err).Str("document_id", doc.ID).Msg("compose document notification")
		notificationsTotal.WithLabelValues(string(r), "compose_error").Inc()
		return
	}
	if !d.send(ctx, doc, r, msg) {
		return
	}
	if err := d.repo.MarkNotified(ctx, doc.ID, r, d.now().UTC()); err != nil {
		d.log.Warn().Err(err).Str("document_id", doc.ID).Str("recipient", string(r)).Msg("record notification time")
	}
}

func (d *Dispatcher) send(ctx context.Context, doc *Document, r Recipient, msg notification.Message) bool {
	if err := d.sender.Send(ctx, msg); err != nil {
		notificationsTotal.WithLabelValues(string(r), "failed").Inc()
		d.log.Warn().Err(err).
			Str("document_id", doc.ID).
			Str("recipient", msg.RecipientID).
			Str("recipient_role", msg.RecipientRole).
			Msg("notification dispatch failed")
		return false
	}
	notificationsTotal.WithLabelValues(string(r), "sent").Inc()
	return true
}
