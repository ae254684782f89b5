package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/recordstore/internal/domain/identity"
	"github.com/ehr/recordstore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type documentRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &documentRepoPG{pool: pool} }

func (r *documentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const documentCols = `id, uuid, patient_id, patient_ref_kind, uploaded_by, ordering_doctor_id,
	file_name, file_url, public_id, file_size, mime_type,
	document_type, category, description, tags,
	version, parent_document_id, root_document_id, is_latest_version,
	shared_with, is_active, is_deleted, deleted_by, deleted_at,
	patient_notified_at, doctor_notified_at, uploaded_at, updated_at`

func (r *documentRepoPG) scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.UUID, &d.PatientID, &d.PatientRefKind, &d.UploadedBy, &d.OrderingDoctorID,
		&d.FileName, &d.FileURL, &d.PublicID, &d.FileSize, &d.MimeType,
		&d.DocumentType, &d.Category, &d.Description, &d.Tags,
		&d.Version, &d.ParentDocumentID, &d.RootDocumentID, &d.IsLatestVersion,
		&d.SharedWith, &d.IsActive, &d.IsDeleted, &d.DeletedBy, &d.DeletedAt,
		&d.PatientNotifiedAt, &d.DoctorNotifiedAt, &d.UploadedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *documentRepoPG) scanDocuments(rows pgx.Rows) ([]*Document, error) {
	defer rows.Close()
	var items []*Document
	for rows.Next() {
		d, err := r.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *documentRepoPG) Create(ctx context.Context, d *Document) error {
	if d.ID == "" {
		d.ID = identity.NewStoreID()
	}
	if d.RootDocumentID == "" {
		d.RootDocumentID = d.ID
	}
	if d.SharedWith == nil {
		d.SharedWith = []SharingGrant{}
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_document (id, uuid, patient_id, patient_ref_kind, uploaded_by, ordering_doctor_id,
			file_name, file_url, public_id, file_size, mime_type,
			document_type, category, description, tags,
			version, parent_document_id, root_document_id, is_latest_version,
			shared_with, is_active, is_deleted, uploaded_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		d.ID, d.UUID, d.PatientID, d.PatientRefKind, d.UploadedBy, d.OrderingDoctorID,
		d.FileName, d.FileURL, d.PublicID, d.FileSize, d.MimeType,
		d.DocumentType, d.Category, d.Description, d.Tags,
		d.Version, d.ParentDocumentID, d.RootDocumentID, d.IsLatestVersion,
		d.SharedWith, d.IsActive, d.IsDeleted, d.UploadedAt, d.UpdatedAt)
	return err
}

func (r *documentRepoPG) GetByID(ctx context.Context, id string, includeDeleted bool) (*Document, error) {
	q := `SELECT ` + documentCols + ` FROM clinical_document WHERE id = $1`
	if !includeDeleted {
		q += ` AND NOT is_deleted`
	}
	return r.scanDocument(r.conn(ctx).QueryRow(ctx, q, id))
}

func (r *documentRepoPG) GetForUpdate(ctx context.Context, id string) (*Document, error) {
	return r.scanDocument(r.conn(ctx).QueryRow(ctx,
		`SELECT `+documentCols+` FROM clinical_document WHERE id = $1 FOR UPDATE`, id))
}

func (r *documentRepoPG) ListByPatient(ctx context.Context, match PatientMatch, f ListFilter, limit, offset int) ([]*Document, int, error) {
	where := []string{"NOT is_deleted"}
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if match.StoreIDTyped {
		where = append(where, "patient_ref_kind = 'store_id'", "lower(patient_id) = lower("+arg(match.Value)+")")
	} else {
		where = append(where, "patient_id = "+arg(match.Value))
	}
	if !f.IncludeInactive {
		where = append(where, "is_active")
	}
	if !f.AllVersions {
		where = append(where, "is_latest_version")
	}
	if f.DocumentType != "" {
		where = append(where, "document_type = "+arg(f.DocumentType))
	}
	if f.Category != "" {
		where = append(where, "category = "+arg(f.Category))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM clinical_document WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`SELECT %s FROM clinical_document WHERE %s ORDER BY uploaded_at DESC, id DESC LIMIT %s OFFSET %s`,
		documentCols, cond, arg(limit), arg(offset))
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanDocuments(rows)
	return items, total, err
}

func (r *documentRepoPG) Update(ctx context.Context, d *Document) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_document SET document_type=$2, category=$3, description=$4, tags=$5,
			ordering_doctor_id=$6, is_active=$7, updated_at=$8
		WHERE id = $1 AND NOT is_deleted`,
		d.ID, d.DocumentType, d.Category, d.Description, d.Tags,
		d.OrderingDoctorID, d.IsActive, d.UpdatedAt)
	return affected(tag, err)
}

func (r *documentRepoPG) SetLatest(ctx context.Context, id string, latest bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE clinical_document SET is_latest_version = $2, updated_at = NOW() WHERE id = $1`, id, latest)
	return affected(tag, err)
}

func (r *documentRepoPG) ListChain(ctx context.Context, rootID string) ([]*Document, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+documentCols+` FROM clinical_document
		WHERE root_document_id = $1 AND NOT is_deleted ORDER BY version DESC`, rootID)
	if err != nil {
		return nil, err
	}
	return r.scanDocuments(rows)
}

func (r *documentRepoPG) SoftDelete(ctx context.Context, id, deletedBy string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_document SET is_deleted = TRUE, is_active = FALSE, is_latest_version = FALSE,
			deleted_by = NULLIF($2, ''), deleted_at = $3, updated_at = $3
		WHERE id = $1 AND NOT is_deleted`, id, deletedBy, at)
	return affected(tag, err)
}

// UpsertGrant rewrites shared_with in one statement: an existing grant for
// the user keeps its position and shared_at, anything else is appended.
func (r *documentRepoPG) UpsertGrant(ctx context.Context, id string, g SharingGrant) error {
	grant, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_document SET shared_with = CASE
			WHEN EXISTS (SELECT 1 FROM jsonb_array_elements(shared_with) e WHERE e->>'user_id' = $2::text) THEN
				(SELECT jsonb_agg(CASE WHEN t.g->>'user_id' = $2::text THEN t.g || ($3::jsonb - 'shared_at') ELSE t.g END ORDER BY t.ord)
				 FROM jsonb_array_elements(shared_with) WITH ORDINALITY AS t(g, ord))
			ELSE shared_with || jsonb_build_array($3::jsonb)
			END,
			updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted`, id, g.UserID, string(grant))
	return affected(tag, err)
}

func (r *documentRepoPG) RemoveGrant(ctx context.Context, id, userID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_document SET shared_with = COALESCE(
				(SELECT jsonb_agg(t.g ORDER BY t.ord)
				 FROM jsonb_array_elements(shared_with) WITH ORDINALITY AS t(g, ord)
				 WHERE t.g->>'user_id' <> $2::text),
				'[]'::jsonb),
			updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted`, id, userID)
	return affected(tag, err)
}

func (r *documentRepoPG) AppendAccess(ctx context.Context, e *AccessLogEntry) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO document_access_log (document_id, accessed_by, accessed_at, action, ip_address)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.DocumentID, e.AccessedBy, e.AccessedAt, string(e.Action), e.IPAddress).Scan(&e.ID)
}

func (r *documentRepoPG) ListAccess(ctx context.Context, documentID string, limit int) ([]*AccessLogEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, document_id, accessed_by, accessed_at, action, ip_address
		FROM document_access_log WHERE document_id = $1
		ORDER BY accessed_at DESC, id DESC LIMIT $2`, documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AccessLogEntry
	for rows.Next() {
		var e AccessLogEntry
		var action string
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.AccessedBy, &e.AccessedAt, &action, &e.IPAddress); err != nil {
			return nil, err
		}
		e.Action = AccessAction(action)
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *documentRepoPG) MarkNotified(ctx context.Context, id string, rcpt Recipient, at time.Time) error {
	var col string
	switch rcpt {
	case RecipientPatient:
		col = "patient_notified_at"
	case RecipientDoctor:
		col = "doctor_notified_at"
	default:
		return fmt.Errorf("unknown recipient %q", rcpt)
	}
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE clinical_document SET `+col+` = $2 WHERE id = $1`, id, at)
	return affected(tag, err)
}

func (r *documentRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
