package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordstore/internal/domain/identity"
	"github.com/ehr/recordstore/internal/platform/auth"
	"github.com/ehr/recordstore/internal/platform/blobstore"
	"github.com/ehr/recordstore/internal/platform/db"
)

// blobPrefix namespaces files this service stored itself; other public ids
// belong to external hosting and are served by their file_url.
const blobPrefix = "documents/"

// tenantBlobPrefix is the key prefix of files stored for tenant.
func tenantBlobPrefix(tenant string) string {
	if tenant == "" {
		return blobPrefix
	}
	return blobPrefix + tenant + "/"
}

// ownsBlob reports whether key was stored by this service for tenant.
func ownsBlob(tenant, key string) bool {
	prefix := tenantBlobPrefix(tenant)
	return strings.HasPrefix(key, prefix) && !strings.Contains(key[len(prefix):], "/")
}

// validateExternalFile rejects caller-supplied descriptors that point into
// managed blob storage. Only UploadFile assigns keys there.
func validateExternalFile(f FileDescriptor) error {
	if err := validateFile(f); err != nil {
		return err
	}
	if strings.HasPrefix(strings.TrimLeft(f.PublicID, "/"), blobPrefix) {
		return validationf("file.public_id must not start with %q", blobPrefix)
	}
	return nil
}

// Resolver maps patient references to canonical identifiers.
type Resolver interface {
	Resolve(ctx context.Context, raw string) identity.Resolution
	Parse(raw string) identity.Reference
}

// Actor is the caller of a service operation.
type Actor struct {
	ID   string
	Role string
	IP   string
}

func (a Actor) isPatient() bool { return a.Role == auth.RolePatient }

type UploadInput struct {
	PatientID        string         `json:"patient_id"`
	UploadedBy       string         `json:"uploaded_by"`
	OrderingDoctorID *string        `json:"ordering_doctor_id,omitempty"`
	File             FileDescriptor `json:"file"`
	DocumentType     string         `json:"document_type"`
	Description      *string        `json:"description,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
}

// UpdateInput holds the metadata a caller may change. Nil fields are kept.
type UpdateInput struct {
	DocumentType     *string   `json:"document_type,omitempty"`
	Description      *string   `json:"description,omitempty"`
	Tags             *[]string `json:"tags,omitempty"`
	OrderingDoctorID *string   `json:"ordering_doctor_id,omitempty"`
	IsActive         *bool     `json:"is_active,omitempty"`
}

// ListResult is one page of a patient's documents.
type ListResult struct {
	Items      []*Document
	Total      int
	Resolution identity.Resolution
	// MatchedBy names the cascade step that produced the page: "canonical",
	// "raw" or "store_id", or "" when nothing matched.
	MatchedBy string
}

// DownloadLink points at a document's file.
type DownloadLink struct {
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	FileName  string     `json:"file_name"`
	MimeType  string     `json:"mime_type"`
	FileSize  int64      `json:"file_size"`
}

type Options struct {
	SignedURLTTL time.Duration
}

// Service runs the document lifecycle: uploads, reads by patient, sharing,
// versioning, soft deletion and the access log.
type Service struct {
	repo     Repository
	resolver Resolver
	versions *VersionManager
	sharing  *SharingManager
	audit    *AuditLogger
	notifier *Dispatcher
	blobs    blobstore.Store
	urlTTL   time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, resolver Resolver, audit *AuditLogger, notifier *Dispatcher,
	blobs blobstore.Store, opts Options, log zerolog.Logger) *Service {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = 15 * time.Minute
	}
	return &Service{
		repo:     repo,
		resolver: resolver,
		versions: NewVersionManager(repo),
		sharing:  NewSharingManager(repo),
		audit:    audit,
		notifier: notifier,
		blobs:    blobs,
		urlTTL:   opts.SignedURLTTL,
		log:      log.With().Str("component", "documents").Logger(),
		now:      time.Now,
	}
}

// Versions exposes the version manager for maintenance tooling.
func (s *Service) Versions() *VersionManager { return s.versions }

func validateFile(f FileDescriptor) error {
	if strings.TrimSpace(f.FileName) == "" {
		return validationf("file.file_name is required")
	}
	if strings.TrimSpace(f.FileURL) == "" {
		return validationf("file.file_url is required")
	}
	if f.FileSize < 0 {
		return validationf("file.file_size must not be negative")
	}
	return nil
}

func (s *Service) prepareUpload(a Actor, in *UploadInput) error {
	in.PatientID = strings.TrimSpace(in.PatientID)
	if in.PatientID == "" {
		return validationf("patient_id is required")
	}
	if a.isPatient() {
		if in.PatientID != a.ID {
			return fmt.Errorf("%w: patients can only upload their own documents", ErrForbidden)
		}
		in.UploadedBy = a.ID
	}
	if strings.TrimSpace(in.UploadedBy) == "" {
		in.UploadedBy = a.ID
	}
	if in.UploadedBy == "" {
		return validationf("uploaded_by is required")
	}
	if in.DocumentType == "" {
		in.DocumentType = DocumentTypeOther
	}
	if !ValidDocumentType(in.DocumentType) {
		return validationf("unknown document_type %q", in.DocumentType)
	}
	return nil
}

// Upload stores a new document. The patient reference is kept exactly as
// given; it is resolved on read.
func (s *Service) Upload(ctx context.Context, a Actor, in UploadInput) (*Document, error) {
	if err := s.prepareUpload(a, &in); err != nil {
		return nil, err
	}
	if err := validateExternalFile(in.File); err != nil {
		return nil, err
	}
	return s.create(ctx, in)
}

func (s *Service) create(ctx context.Context, in UploadInput) (*Document, error) {
	now := s.now().UTC()
	d := &Document{
		UUID:             uuid.New(),
		PatientID:        in.PatientID,
		PatientRefKind:   s.resolver.Parse(in.PatientID).Kind.String(),
		UploadedBy:       in.UploadedBy,
		OrderingDoctorID: in.OrderingDoctorID,
		DocumentType:     in.DocumentType,
		Category:         Classify(in.DocumentType),
		Description:      in.Description,
		Tags:             normalizeTags(in.Tags),
		Version:          1,
		IsLatestVersion:  true,
		SharedWith:       []SharingGrant{},
		IsActive:         true,
		UploadedAt:       now,
		UpdatedAt:        now,
	}
	d.setFile(in.File)

	if err := s.repo.Create(ctx, d); err != nil {
		return nil, upstream("create document", err)
	}
	uploadsTotal.WithLabelValues(d.Category).Inc()
	s.log.Info().Str("document_id", d.ID).Str("category", d.Category).Msg("document uploaded")

	s.notifier.DocumentCreated(ctx, d)
	return d, nil
}

// UploadFile stores the file bytes in blob storage and then creates the
// document. The blob is removed again when the document cannot be created.
func (s *Service) UploadFile(ctx context.Context, a Actor, in UploadInput, file blobstore.PutInput) (*Document, error) {
	if err := s.prepareUpload(a, &in); err != nil {
		return nil, err
	}
	if s.blobs == nil {
		return nil, fmt.Errorf("%w: no blob store configured", ErrUpstreamUnavailable)
	}

	file.Prefix = tenantBlobPrefix(db.TenantFromContext(ctx))
	obj, err := s.blobs.Put(ctx, file)
	switch {
	case errors.Is(err, blobstore.ErrFileTooLarge),
		errors.Is(err, blobstore.ErrInvalidContentType),
		errors.Is(err, blobstore.ErrMissingFileName):
		return nil, validationf("%v", err)
	case err != nil:
		return nil, upstream("store file", err)
	}

	in.File = FileDescriptor{
		FileName: obj.FileName,
		FileURL:  obj.URL,
		PublicID: obj.Key,
		FileSize: obj.Size,
		MimeType: obj.ContentType,
	}
	d, err := s.create(ctx, in)
	if err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), obj.Key); derr != nil {
			s.log.Error().Err(derr).Str("public_id", obj.Key).Msg("remove orphaned blob")
		}
		return nil, err
	}
	return d, nil
}

// ownerOnly asks authorize for ownership rather than a grant level.
const ownerOnly Permission = ""

// authorize limits patients to documents they own, uploaded, or hold a
// sufficient grant for. Staff roles are not restricted here.
func (s *Service) authorize(ctx context.Context, a Actor, d *Document, want Permission) error {
	if !a.isPatient() {
		return nil
	}
	if a.ID != "" {
		if a.ID == d.PatientID || a.ID == d.UploadedBy {
			return nil
		}
		if g := d.GrantFor(a.ID); want != ownerOnly && g != nil && g.Permission.Includes(want) {
			return nil
		}
		if s.resolver.Resolve(ctx, d.PatientID).Canonical == a.ID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrForbidden, d.ID)
}

func (s *Service) load(ctx context.Context, a Actor, id string, includeDeleted bool, want Permission) (*Document, error) {
	d, err := s.repo.GetByID(ctx, id, includeDeleted)
	if err != nil {
		return nil, upstream("load document", err)
	}
	if err := s.authorize(ctx, a, d, want); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) record(ctx context.Context, a Actor, id string, action AccessAction) {
	if a.ID == "" {
		return
	}
	s.audit.Record(ctx, id, a.ID, action, a.IP)
}

// Get returns a non-deleted document and logs the view.
func (s *Service) Get(ctx context.Context, a Actor, id string) (*Document, error) {
	d, err := s.load(ctx, a, id, false, PermissionView)
	if err != nil {
		return nil, err
	}
	s.record(ctx, a, id, ActionViewed)
	return d, nil
}

// Download returns a link to the file and logs the download. Files held in
// blob storage get a short-lived signed URL.
func (s *Service) Download(ctx context.Context, a Actor, id string) (*DownloadLink, error) {
	d, err := s.load(ctx, a, id, false, PermissionDownload)
	if err != nil {
		return nil, err
	}

	link := &DownloadLink{URL: d.FileURL, FileName: d.FileName, MimeType: d.MimeType, FileSize: d.FileSize}
	if strings.HasPrefix(d.PublicID, blobPrefix) {
		if s.blobs == nil || !ownsBlob(db.TenantFromContext(ctx), d.PublicID) {
			return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
		}
		url, err := s.blobs.SignedURL(ctx, d.PublicID, s.urlTTL)
		switch {
		case err == nil:
			exp := s.now().UTC().Add(s.urlTTL)
			link.URL, link.ExpiresAt = url, &exp
		case !errors.Is(err, blobstore.ErrObjectNotFound):
			return nil, upstream("sign download url", err)
		}
	}
	if link.URL == "" {
		return nil, fmt.Errorf("%w: document %s has no file", ErrInvalidState, id)
	}

	s.record(ctx, a, id, ActionDownloaded)
	return link, nil
}

// Update merges the supplied metadata into a non-deleted document.
func (s *Service) Update(ctx context.Context, a Actor, id string, in UpdateInput) (*Document, error) {
	d, err := s.load(ctx, a, id, false, PermissionEdit)
	if err != nil {
		return nil, err
	}

	if in.DocumentType != nil {
		if !ValidDocumentType(*in.DocumentType) {
			return nil, validationf("unknown document_type %q", *in.DocumentType)
		}
		d.DocumentType = *in.DocumentType
		d.Category = Classify(d.DocumentType)
	}
	if in.Description != nil {
		d.Description = in.Description
	}
	if in.Tags != nil {
		d.Tags = normalizeTags(*in.Tags)
	}
	if in.OrderingDoctorID != nil {
		d.OrderingDoctorID = in.OrderingDoctorID
		if *in.OrderingDoctorID == "" {
			d.OrderingDoctorID = nil
		}
	}
	if in.IsActive != nil {
		d.IsActive = *in.IsActive
	}
	d.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, d); err != nil {
		return nil, upstream("update document", err)
	}
	s.record(ctx, a, id, ActionUpdated)
	return d, nil
}

// SoftDelete marks a document deleted. Other versions are untouched; when
// the deleted document was the chain's latest, the highest remaining
// version takes over in the same transaction.
func (s *Service) SoftDelete(ctx context.Context, a Actor, id string) error {
	if _, err := s.load(ctx, a, id, false, ownerOnly); err != nil {
		return err
	}

	var promoted string
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		d, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return upstream("load document", err)
		}
		if d.IsDeleted {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := s.repo.SoftDelete(ctx, id, a.ID, s.now().UTC()); err != nil {
			return upstream("delete document", err)
		}
		if d.IsLatestVersion {
			promoted, err = s.versions.promoteAfterDelete(ctx, d.Root())
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	ev := s.log.Info().Str("document_id", id)
	if promoted != "" {
		ev = ev.Str("promoted", promoted)
	}
	ev.Msg("document deleted")
	s.record(ctx, a, id, ActionDeleted)
	return nil
}

// ListForPatient resolves patientRef and queries by the canonical id, then
// the raw reference, then a typed store-id match. The first query with
// results wins.
func (s *Service) ListForPatient(ctx context.Context, a Actor, patientRef string, f ListFilter, limit, offset int) (*ListResult, error) {
	patientRef = strings.TrimSpace(patientRef)
	if patientRef == "" {
		return nil, validationf("patient_id is required")
	}
	if f.DocumentType != "" && !ValidDocumentType(f.DocumentType) {
		return nil, validationf("unknown document_type %q", f.DocumentType)
	}

	res := s.resolver.Resolve(ctx, patientRef)
	if a.isPatient() && a.ID != patientRef && a.ID != res.Canonical {
		return nil, fmt.Errorf("%w: patients can only list their own documents", ErrForbidden)
	}

	type step struct {
		name  string
		match PatientMatch
	}
	steps := []step{{"canonical", PatientMatch{Value: res.Canonical}}}
	if patientRef != res.Canonical {
		steps = append(steps, step{"raw", PatientMatch{Value: patientRef}})
	}
	if identity.IsStoreID(patientRef) {
		steps = append(steps, step{"store_id", PatientMatch{Value: patientRef, StoreIDTyped: true}})
	}

	out := &ListResult{Items: []*Document{}, Resolution: res}
	for _, st := range steps {
		items, total, err := s.repo.ListByPatient(ctx, st.match, f, limit, offset)
		if err != nil {
			return nil, upstream("list documents", err)
		}
		if total > 0 {
			out.Items, out.Total, out.MatchedBy = items, total, st.name
			if out.Items == nil {
				out.Items = []*Document{}
			}
			break
		}
	}
	return out, nil
}

// Share grants userID access to a document and notifies them.
func (s *Service) Share(ctx context.Context, a Actor, id, userID, userRole string, perm Permission) (*Document, error) {
	d, err := s.load(ctx, a, id, false, ownerOnly)
	if err != nil {
		return nil, err
	}
	g, err := s.sharing.Share(ctx, id, userID, userRole, perm)
	if err != nil {
		return nil, err
	}
	s.record(ctx, a, id, ActionShared)
	s.notifier.DocumentShared(ctx, d, g)

	updated, err := s.repo.GetByID(ctx, id, false)
	if err != nil {
		return nil, upstream("reload document", err)
	}
	return updated, nil
}

// Revoke removes userID's access. Revoking a user without a grant succeeds.
func (s *Service) Revoke(ctx context.Context, a Actor, id, userID string) error {
	if _, err := s.load(ctx, a, id, false, ownerOnly); err != nil {
		return err
	}
	if err := s.sharing.Revoke(ctx, id, userID); err != nil {
		return err
	}
	s.record(ctx, a, id, ActionUpdated)
	return nil
}

// CreateVersion supersedes a document with a new file.
func (s *Service) CreateVersion(ctx context.Context, a Actor, parentID string, in VersionInput) (*Document, error) {
	parent, err := s.load(ctx, a, parentID, true, PermissionEdit)
	if err != nil {
		return nil, err
	}
	if parent.IsDeleted {
		return nil, fmt.Errorf("%w: document %s is deleted", ErrInvalidState, parentID)
	}

	child, err := s.versions.CreateVersion(ctx, parentID, a.ID, in)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("document_id", child.ID).Str("parent_id", parentID).Int("version", child.Version).Msg("document version created")
	s.notifier.DocumentCreated(ctx, child)
	return child, nil
}

// ListVersions returns the chain a document belongs to, newest first.
// Deleted documents still resolve to their chain.
func (s *Service) ListVersions(ctx context.Context, a Actor, id string) ([]*Document, error) {
	if _, err := s.load(ctx, a, id, true, PermissionView); err != nil {
		return nil, err
	}
	return s.versions.ListVersions(ctx, id)
}

// RecordAccess appends an access-log entry on behalf of a client.
func (s *Service) RecordAccess(ctx context.Context, a Actor, id string, action AccessAction) error {
	if !action.Valid() {
		return validationf("invalid action %q", action)
	}
	if a.ID == "" {
		return validationf("accessed_by is required")
	}
	if _, err := s.load(ctx, a, id, true, PermissionView); err != nil {
		return err
	}
	s.audit.Record(ctx, id, a.ID, action, a.IP)
	return nil
}

// ListAccessLog returns recent access-log entries, newest first. It works
// for deleted documents.
func (s *Service) ListAccessLog(ctx context.Context, a Actor, id string, limit int) ([]*AccessLogEntry, error) {
	if _, err := s.load(ctx, a, id, true, ownerOnly); err != nil {
		return nil, err
	}
	return s.audit.ListRecent(ctx, id, limit)
}
