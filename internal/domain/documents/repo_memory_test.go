package documents

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ehr/recordstore/internal/domain/identity"
)

// memoryRepo is an in-process Repository. InTx snapshots the state and
// restores it when fn fails.
type memoryRepo struct {
	mu       sync.Mutex
	docs     map[string]*Document
	access   []AccessLogEntry
	accessID int64

	failCreate error
	failAppend error
	failList   error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: make(map[string]*Document)}
}

func cloneDoc(d *Document) *Document {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	c.SharedWith = append([]SharingGrant(nil), d.SharedWith...)
	return &c
}

func (m *memoryRepo) Create(_ context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	if d.ID == "" {
		d.ID = identity.NewStoreID()
	}
	if d.RootDocumentID == "" {
		d.RootDocumentID = d.ID
	}
	m.docs[d.ID] = cloneDoc(d)
	return nil
}

func (m *memoryRepo) GetByID(_ context.Context, id string, includeDeleted bool) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || (d.IsDeleted && !includeDeleted) {
		return nil, ErrNotFound
	}
	return cloneDoc(d), nil
}

func (m *memoryRepo) GetForUpdate(ctx context.Context, id string) (*Document, error) {
	return m.GetByID(ctx, id, true)
}

func (m *memoryRepo) ListByPatient(_ context.Context, match PatientMatch, f ListFilter, limit, offset int) ([]*Document, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList != nil {
		return nil, 0, m.failList
	}
	var all []*Document
	for _, d := range m.docs {
		if d.IsDeleted {
			continue
		}
		if match.StoreIDTyped {
			if d.PatientRefKind != "store_id" || !strings.EqualFold(d.PatientID, match.Value) {
				continue
			}
		} else if d.PatientID != match.Value {
			continue
		}
		if (!f.IncludeInactive && !d.IsActive) || (!f.AllVersions && !d.IsLatestVersion) {
			continue
		}
		if (f.DocumentType != "" && d.DocumentType != f.DocumentType) || (f.Category != "" && d.Category != f.Category) {
			continue
		}
		all = append(all, cloneDoc(d))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UploadedAt.Equal(all[j].UploadedAt) {
			return all[i].UploadedAt.After(all[j].UploadedAt)
		}
		return all[i].ID > all[j].ID
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memoryRepo) Update(_ context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[d.ID]
	if !ok || cur.IsDeleted {
		return ErrNotFound
	}
	cur.DocumentType, cur.Category, cur.Description = d.DocumentType, d.Category, d.Description
	cur.Tags = append([]string(nil), d.Tags...)
	cur.OrderingDoctorID, cur.IsActive, cur.UpdatedAt = d.OrderingDoctorID, d.IsActive, d.UpdatedAt
	return nil
}

func (m *memoryRepo) SetLatest(_ context.Context, id string, latest bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.IsLatestVersion = latest
	return nil
}

func (m *memoryRepo) ListChain(_ context.Context, rootID string) ([]*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var chain []*Document
	for _, d := range m.docs {
		if d.RootDocumentID == rootID && !d.IsDeleted {
			chain = append(chain, cloneDoc(d))
		}
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Version > chain[j].Version })
	return chain, nil
}

func (m *memoryRepo) SoftDelete(_ context.Context, id, deletedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.IsDeleted {
		return ErrNotFound
	}
	d.IsDeleted, d.IsActive, d.IsLatestVersion = true, false, false
	if deletedBy != "" {
		d.DeletedBy = &deletedBy
	}
	d.DeletedAt, d.UpdatedAt = &at, at
	return nil
}

func (m *memoryRepo) UpsertGrant(_ context.Context, id string, g SharingGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.IsDeleted {
		return ErrNotFound
	}
	for i := range d.SharedWith {
		if d.SharedWith[i].UserID == g.UserID {
			d.SharedWith[i].Permission = g.Permission
			d.SharedWith[i].UserRole = g.UserRole
			return nil
		}
	}
	d.SharedWith = append(d.SharedWith, g)
	return nil
}

func (m *memoryRepo) RemoveGrant(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.IsDeleted {
		return ErrNotFound
	}
	kept := d.SharedWith[:0]
	for _, g := range d.SharedWith {
		if g.UserID != userID {
			kept = append(kept, g)
		}
	}
	d.SharedWith = kept
	return nil
}

func (m *memoryRepo) AppendAccess(_ context.Context, e *AccessLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	if _, ok := m.docs[e.DocumentID]; !ok {
		return errors.New("foreign key violation")
	}
	m.accessID++
	e.ID = m.accessID
	m.access = append(m.access, *e)
	return nil
}

func (m *memoryRepo) ListAccess(_ context.Context, documentID string, limit int) ([]*AccessLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AccessLogEntry
	for i := range m.access {
		if m.access[i].DocumentID == documentID {
			e := m.access[i]
			out = append(out, &e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].AccessedAt.Equal(out[j].AccessedAt) {
			return out[i].AccessedAt.After(out[j].AccessedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) MarkNotified(_ context.Context, id string, r Recipient, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	switch r {
	case RecipientPatient:
		d.PatientNotifiedAt = &at
	case RecipientDoctor:
		d.DoctorNotifiedAt = &at
	}
	return nil
}

func (m *memoryRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	snapshot := make(map[string]*Document, len(m.docs))
	for id, d := range m.docs {
		snapshot[id] = cloneDoc(d)
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.docs = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// latestCount returns how many non-deleted members of a chain are latest.
func (m *memoryRepo) latestCount(rootID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.docs {
		if d.RootDocumentID == rootID && !d.IsDeleted && d.IsLatestVersion {
			n++
		}
	}
	return n
}
