package documents

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Permission is the level of access a sharing grant gives. Each level
// includes the ones before it: view < download < edit.
type Permission string

const (
	PermissionView     Permission = "view"
	PermissionDownload Permission = "download"
	PermissionEdit     Permission = "edit"
)

var permissionRank = map[Permission]int{
	PermissionView:     1,
	PermissionDownload: 2,
	PermissionEdit:     3,
}

func (p Permission) Valid() bool { return permissionRank[p] > 0 }

// Includes reports whether p grants at least want.
func (p Permission) Includes(want Permission) bool {
	return p.Valid() && permissionRank[p] >= permissionRank[want]
}

// AccessAction is what an access-log entry records.
type AccessAction string

const (
	ActionViewed     AccessAction = "viewed"
	ActionDownloaded AccessAction = "downloaded"
	ActionShared     AccessAction = "shared"
	ActionUpdated    AccessAction = "updated"
	ActionDeleted    AccessAction = "deleted"
)

func (a AccessAction) Valid() bool {
	switch a {
	case ActionViewed, ActionDownloaded, ActionShared, ActionUpdated, ActionDeleted:
		return true
	}
	return false
}

// SharingGrant gives one user access to a document.
type SharingGrant struct {
	UserID     string     `json:"user_id"`
	UserRole   string     `json:"user_role"`
	Permission Permission `json:"permission"`
	SharedAt   time.Time  `json:"shared_at"`
}

// AccessLogEntry maps to the document_access_log table. Rows are only ever
// inserted.
type AccessLogEntry struct {
	ID         int64        `db:"id" json:"-"`
	DocumentID string       `db:"document_id" json:"document_id"`
	AccessedBy string       `db:"accessed_by" json:"accessed_by"`
	AccessedAt time.Time    `db:"accessed_at" json:"accessed_at"`
	Action     AccessAction `db:"action" json:"action"`
	IPAddress  *string      `db:"ip_address" json:"ip_address,omitempty"`
}

// FileDescriptor points at the stored file. Its contents are never read.
type FileDescriptor struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
	PublicID string `json:"public_id"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
}

// Document maps to the clinical_document table.
type Document struct {
	ID                string         `db:"id" json:"id"`
	UUID              uuid.UUID      `db:"uuid" json:"uuid"`
	PatientID         string         `db:"patient_id" json:"patient_id"`
	PatientRefKind    string         `db:"patient_ref_kind" json:"patient_ref_kind"`
	UploadedBy        string         `db:"uploaded_by" json:"uploaded_by"`
	OrderingDoctorID  *string        `db:"ordering_doctor_id" json:"ordering_doctor_id,omitempty"`
	FileName          string         `db:"file_name" json:"file_name"`
	FileURL           string         `db:"file_url" json:"file_url"`
	PublicID          string         `db:"public_id" json:"public_id"`
	FileSize          int64          `db:"file_size" json:"file_size"`
	MimeType          string         `db:"mime_type" json:"mime_type"`
	DocumentType      string         `db:"document_type" json:"document_type"`
	Category          string         `db:"category" json:"category"`
	Description       *string        `db:"description" json:"description,omitempty"`
	Tags              []string       `db:"tags" json:"tags"`
	Version           int            `db:"version" json:"version"`
	ParentDocumentID  *string        `db:"parent_document_id" json:"parent_document_id,omitempty"`
	RootDocumentID    string         `db:"root_document_id" json:"root_document_id"`
	IsLatestVersion   bool           `db:"is_latest_version" json:"is_latest_version"`
	SharedWith        []SharingGrant `db:"shared_with" json:"shared_with"`
	IsActive          bool           `db:"is_active" json:"is_active"`
	IsDeleted         bool           `db:"is_deleted" json:"is_deleted"`
	DeletedBy         *string        `db:"deleted_by" json:"deleted_by,omitempty"`
	DeletedAt         *time.Time     `db:"deleted_at" json:"deleted_at,omitempty"`
	PatientNotifiedAt *time.Time     `db:"patient_notified_at" json:"patient_notified_at,omitempty"`
	DoctorNotifiedAt  *time.Time     `db:"doctor_notified_at" json:"doctor_notified_at,omitempty"`
	UploadedAt        time.Time      `db:"uploaded_at" json:"uploaded_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// File returns the document's content descriptor.
func (d *Document) File() FileDescriptor {
	return FileDescriptor{
		FileName: d.FileName,
		FileURL:  d.FileURL,
		PublicID: d.PublicID,
		FileSize: d.FileSize,
		MimeType: d.MimeType,
	}
}

func (d *Document) setFile(f FileDescriptor) {
	d.FileName = f.FileName
	d.FileURL = f.FileURL
	d.PublicID = f.PublicID
	d.FileSize = f.FileSize
	d.MimeType = f.MimeType
}

// FileSizeDisplay renders the byte size for people, e.g. "1.2 MB".
func (d *Document) FileSizeDisplay() string {
	if d.FileSize <= 0 {
		return "0 B"
	}
	return humanize.Bytes(uint64(d.FileSize))
}

// Root is the id of the first document in the version chain.
func (d *Document) Root() string {
	switch {
	case d.RootDocumentID != "":
		return d.RootDocumentID
	case d.ParentDocumentID != nil:
		return *d.ParentDocumentID
	default:
		return d.ID
	}
}

// GrantFor returns the sharing grant for userID, if any.
func (d *Document) GrantFor(userID string) *SharingGrant {
	for i := range d.SharedWith {
		if d.SharedWith[i].UserID == userID {
			return &d.SharedWith[i]
		}
	}
	return nil
}

// nextVersion builds the child record that supersedes d.
func (d *Document) nextVersion(in VersionInput, uploadedBy string, now time.Time) *Document {
	parentID := d.ID
	child := &Document{
		UUID:             uuid.New(),
		PatientID:        d.PatientID,
		PatientRefKind:   d.PatientRefKind,
		UploadedBy:       uploadedBy,
		OrderingDoctorID: d.OrderingDoctorID,
		DocumentType:     d.DocumentType,
		Category:         d.Category,
		Description:      d.Description,
		Tags:             append([]string(nil), d.Tags...),
		Version:          d.Version + 1,
		ParentDocumentID: &parentID,
		RootDocumentID:   d.Root(),
		IsLatestVersion:  true,
		SharedWith:       []SharingGrant{},
		IsActive:         true,
		UploadedAt:       now,
		UpdatedAt:        now,
	}
	child.setFile(in.File)
	if in.Description != nil {
		child.Description = in.Description
	}
	if in.Tags != nil {
		child.Tags = normalizeTags(in.Tags)
	}
	return child
}

func (d Document) MarshalJSON() ([]byte, error) {
	type alias Document
	if d.Tags == nil {
		d.Tags = []string{}
	}
	if d.SharedWith == nil {
		d.SharedWith = []SharingGrant{}
	}
	return json.Marshal(struct {
		alias
		FileSizeDisplay string `json:"file_size_display"`
	}{alias(d), d.FileSizeDisplay()})
}

// normalizeTags trims, drops empties and de-duplicates, keeping first-seen order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
