package documents

import (
	"context"
	"time"
)

// PatientMatch is one query in the patient lookup cascade. StoreIDTyped
// restricts the match to records whose patient reference was stored as a
// store id, compared case-insensitively.
type PatientMatch struct {
	Value        string
	StoreIDTyped bool
}

// ListFilter narrows a patient's document list.
type ListFilter struct {
	DocumentType    string
	Category        string
	IncludeInactive bool
	AllVersions     bool
}

// Repository is the persistence boundary for documents and their access log.
// Reads exclude soft-deleted documents unless includeDeleted is set.
type Repository interface {
	Create(ctx context.Context, d *Document) error
	GetByID(ctx context.Context, id string, includeDeleted bool) (*Document, error)
	// GetForUpdate locks the row for the surrounding transaction. Deleted
	// rows are returned so callers can tell them apart from unknown ids.
	GetForUpdate(ctx context.Context, id string) (*Document, error)
	ListByPatient(ctx context.Context, match PatientMatch, f ListFilter, limit, offset int) ([]*Document, int, error)
	Update(ctx context.Context, d *Document) error
	SetLatest(ctx context.Context, id string, latest bool) error
	// ListChain returns the non-deleted members of a version chain, highest
	// version first.
	ListChain(ctx context.Context, rootID string) ([]*Document, error)
	SoftDelete(ctx context.Context, id, deletedBy string, at time.Time) error

	UpsertGrant(ctx context.Context, id string, g SharingGrant) error
	RemoveGrant(ctx context.Context, id, userID string) error

	AppendAccess(ctx context.Context, e *AccessLogEntry) error
	ListAccess(ctx context.Context, documentID string, limit int) ([]*AccessLogEntry, error)

	MarkNotified(ctx context.Context, id string, r Recipient, at time.Time) error

	// InTx runs fn in one transaction; calls made with the ctx passed to fn
	// join it.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Scoper runs background work with a database scope for the tenant in ctx.
type Scoper interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// ScopeFunc adapts a function to Scoper.
type ScopeFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f ScopeFunc) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// DirectScope runs fn with ctx unchanged.
var DirectScope = ScopeFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})
