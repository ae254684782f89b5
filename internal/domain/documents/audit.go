package documents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordstore/internal/platform/db"
	"github.com/ehr/recordstore/internal/platform/queue"
)

const (
	DefaultAccessLogLimit = 50
	MaxAccessLogLimit     = 500

	maxAuditAttempts = 5

	flushTimeout = 10 * time.Second
	flushPopWait = 50 * time.Millisecond
)

// queuedEntry is an access-log entry waiting to be written again.
type queuedEntry struct {
	Tenant   string         `json:"tenant"`
	Entry    AccessLogEntry `json:"entry"`
	Attempts int            `json:"attempts"`
}

// AuditLogger appends access-log entries. Recording never fails the caller:
// an entry that cannot be written is queued and replayed by Drain.
type AuditLogger struct {
	repo  Repository
	retry queue.Queue
	scope Scoper
	log   zerolog.Logger
	now   func() time.Time
}

func NewAuditLogger(repo Repository, retry queue.Queue, scope Scoper, log zerolog.Logger) *AuditLogger {
	if scope == nil {
		scope = DirectScope
	}
	return &AuditLogger{
		repo:  repo,
		retry: retry,
		scope: scope,
		log:   log.With().Str("component", "audit").Logger(),
		now:   time.Now,
	}
}

// Record appends one entry stamped with the server clock.
func (a *AuditLogger) Record(ctx context.Context, documentID, actor string, action AccessAction, ip string) {
	e := AccessLogEntry{
		DocumentID: documentID,
		AccessedBy: actor,
		AccessedAt: a.now().UTC(),
		Action:     action,
	}
	if ip != "" {
		e.IPAddress = &ip
	}

	err := a.repo.AppendAccess(ctx, &e)
	if err == nil {
		return
	}
	auditWriteFailuresTotal.Inc()
	a.log.Error().Err(err).
		Str("document_id", documentID).
		Str("action", string(action)).
		Msg("access log write failed, queueing for retry")
	a.enqueue(ctx, queuedEntry{Tenant: db.TenantFromContext(ctx), Entry: e, Attempts: 1})
}

func (a *AuditLogger) enqueue(ctx context.Context, q queuedEntry) {
	if a.retry == nil {
		a.lost(q, errors.New("no retry queue configured"))
		return
	}
	payload, err := json.Marshal(q)
	if err == nil {
		err = a.retry.Push(context.WithoutCancel(ctx), payload)
	}
	if err != nil {
		a.lost(q, err)
	}
}

// lost writes the whole entry to the error log so it can be restored by hand.
func (a *AuditLogger) lost(q queuedEntry, err error) {
	ev := a.log.Error().Err(err).
		Str("tenant", q.Tenant).
		Str("document_id", q.Entry.DocumentID).
		Str("accessed_by", q.Entry.AccessedBy).
		Time("accessed_at", q.Entry.AccessedAt).
		Str("action", string(q.Entry.Action)).
		Int("attempts", q.Attempts)
	if q.Entry.IPAddress != nil {
		ev = ev.Str("ip_address", *q.Entry.IPAddress)
	}
	ev.Msg("access log entry could not be persisted")
}

// Drain replays queued entries until ctx is cancelled. Each Pop waits at
// most wait for an entry. An entry popped as ctx is cancelled is still
// replayed. On exit the queue is flushed once: each remaining entry is
// written or, failing that, logged in full.
func (a *AuditLogger) Drain(ctx context.Context, wait time.Duration) error {
	if a.retry == nil {
		<-ctx.Done()
		return nil
	}
	for {
		payload, err := a.retry.Pop(ctx, wait)
		if err == nil {
			a.replay(ctx, payload, ctx.Err() != nil)
		}
		switch {
		case ctx.Err() != nil:
			a.flush(ctx)
			return nil
		case err == nil, errors.Is(err, queue.ErrEmpty):
			continue
		}
		a.log.Warn().Err(err).Msg("access log retry queue unavailable")
		select {
		case <-ctx.Done():
			a.flush(ctx)
			return nil
		case <-time.After(wait):
		}
	}
}

// flush replays whatever is still queued without requeueing failures.
func (a *AuditLogger) flush(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	for fctx.Err() == nil {
		payload, err := a.retry.Pop(fctx, flushPopWait)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && fctx.Err() == nil {
				a.log.Error().Err(err).Msg("access log retry queue unavailable during flush")
			}
			return
		}
		a.replay(fctx, payload, true)
	}
}

// replay writes a queued entry again. A failed write is requeued unless
// final is set or the entry ran out of attempts, in which case it is logged.
func (a *AuditLogger) replay(ctx context.Context, payload []byte, final bool) {
	var q queuedEntry
	if err := json.Unmarshal(payload, &q); err != nil {
		a.log.Error().Err(err).Bytes("payload", payload).Msg("discarding malformed access log retry entry")
		auditRetriesTotal.WithLabelValues("malformed").Inc()
		return
	}

	tctx := db.WithTenant(db.Detach(ctx), q.Tenant)
	err := a.scope.Run(tctx, func(ctx context.Context) error {
		return a.repo.AppendAccess(ctx, &q.Entry)
	})
	if err == nil {
		auditRetriesTotal.WithLabelValues("written").Inc()
		return
	}

	q.Attempts++
	if final || q.Attempts >= maxAuditAttempts {
		auditRetriesTotal.WithLabelValues("exhausted").Inc()
		a.lost(q, err)
		return
	}
	auditRetriesTotal.WithLabelValues("requeued").Inc()
	a.enqueue(ctx, q)
}

// ListRecent returns up to limit entries for documentID, newest first.
func (a *AuditLogger) ListRecent(ctx context.Context, documentID string, limit int) ([]*AccessLogEntry, error) {
	if limit <= 0 {
		limit = DefaultAccessLogLimit
	}
	if limit > MaxAccessLogLimit {
		limit = MaxAccessLogLimit
	}
	items, err := a.repo.ListAccess(ctx, documentID, limit)
	if err != nil {
		return nil, upstream("list access log", err)
	}
	if items == nil {
		items = []*AccessLogEntry{}
	}
	return items, nil
}
