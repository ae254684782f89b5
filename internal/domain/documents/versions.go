package documents

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// VersionInput describes the file that supersedes an existing document.
// Description and Tags default to the parent's when nil.
type VersionInput struct {
	File        FileDescriptor `json:"file"`
	Description *string        `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

func (in VersionInput) validate() error {
	return validateExternalFile(in.File)
}

// VersionManager maintains version chains. A chain is every document sharing
// a root_document_id; exactly one non-deleted member is the latest.
type VersionManager struct {
	repo Repository
	now  func() time.Time
}

func NewVersionManager(repo Repository) *VersionManager {
	return &VersionManager{repo: repo, now: time.Now}
}

// CreateVersion demotes the parent and inserts its successor in one
// transaction. Only the current latest version of a chain can be versioned.
func (m *VersionManager) CreateVersion(ctx context.Context, parentID, uploadedBy string, in VersionInput) (*Document, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var child *Document
	err := m.repo.InTx(ctx, func(ctx context.Context) error {
		parent, err := m.repo.GetForUpdate(ctx, parentID)
		if err != nil {
			return upstream("load parent document", err)
		}
		if parent.IsDeleted {
			return fmt.Errorf("%w: document %s is deleted", ErrInvalidState, parentID)
		}
		if !parent.IsLatestVersion {
			return fmt.Errorf("%w: document %s is not the latest version of its chain", ErrInvalidState, parentID)
		}

		if err := m.repo.SetLatest(ctx, parent.ID, false); err != nil {
			return upstream("demote parent version", err)
		}
		if uploadedBy == "" {
			uploadedBy = parent.UploadedBy
		}
		child = parent.nextVersion(in, uploadedBy, m.now().UTC())
		if err := m.repo.Create(ctx, child); err != nil {
			return upstream("create version", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	versionsTotal.Inc()
	return child, nil
}

// ListVersions returns the non-deleted members of the chain documentID
// belongs to, newest first. documentID itself may be deleted.
func (m *VersionManager) ListVersions(ctx context.Context, documentID string) ([]*Document, error) {
	doc, err := m.repo.GetByID(ctx, documentID, true)
	if err != nil {
		return nil, upstream("load document", err)
	}
	chain, err := m.repo.ListChain(ctx, doc.Root())
	if err != nil {
		return nil, upstream("list versions", err)
	}
	return chain, nil
}

// RepairReport describes what RepairChain changed.
type RepairReport struct {
	RootID   string   `json:"root_id"`
	Members  int      `json:"members"`
	Promoted string   `json:"promoted,omitempty"`
	Demoted  []string `json:"demoted,omitempty"`
}

func (r RepairReport) Changed() bool {
	return r.Promoted != "" || len(r.Demoted) > 0
}

// RepairChain restores the single-latest rule for the chain documentID
// belongs to: the highest non-deleted version becomes the latest and any
// other member marked latest is demoted.
func (m *VersionManager) RepairChain(ctx context.Context, documentID string) (RepairReport, error) {
	var report RepairReport
	err := m.repo.InTx(ctx, func(ctx context.Context) error {
		doc, err := m.repo.GetByID(ctx, documentID, true)
		if err != nil {
			return upstream("load document", err)
		}
		report.RootID = doc.Root()

		chain, err := m.repo.ListChain(ctx, report.RootID)
		if err != nil {
			return upstream("list versions", err)
		}
		report.Members = len(chain)
		if len(chain) == 0 {
			return nil
		}

		// Demote first: the chain index allows a single latest member.
		for _, d := range chain[1:] {
			if d.IsLatestVersion {
				if err := m.repo.SetLatest(ctx, d.ID, false); err != nil {
					return upstream("demote version", err)
				}
				report.Demoted = append(report.Demoted, d.ID)
			}
		}
		if head := chain[0]; !head.IsLatestVersion {
			if err := m.repo.SetLatest(ctx, head.ID, true); err != nil {
				return upstream("promote version", err)
			}
			report.Promoted = head.ID
		}
		return nil
	})
	if err != nil {
		return RepairReport{}, err
	}
	if report.Changed() {
		chainRepairsTotal.Inc()
	}
	return report, nil
}

// promoteAfterDelete marks the highest remaining version of rootID as latest.
// It must run in the transaction that deleted the previous latest.
func (m *VersionManager) promoteAfterDelete(ctx context.Context, rootID string) (string, error) {
	chain, err := m.repo.ListChain(ctx, rootID)
	if err != nil {
		return "", upstream("list versions", err)
	}
	if len(chain) == 0 {
		return "", nil
	}
	if err := m.repo.SetLatest(ctx, chain[0].ID, true); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", upstream("promote version", err)
	}
	return chain[0].ID, nil
}
