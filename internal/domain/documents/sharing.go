package documents

import (
	"context"
	"strings"
	"time"
)

// SharingManager edits a document's grant list with single-statement
// upserts and removals at the store.
type SharingManager struct {
	repo Repository
	now  func() time.Time
}

func NewSharingManager(repo Repository) *SharingManager {
	return &SharingManager{repo: repo, now: time.Now}
}

// Share grants userID the given permission, replacing an earlier grant for
// the same user. Repeating the call has no further effect.
func (m *SharingManager) Share(ctx context.Context, documentID, userID, userRole string, perm Permission) (SharingGrant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return SharingGrant{}, validationf("user_id is required")
	}
	if !perm.Valid() {
		return SharingGrant{}, validationf("invalid permission %q, must be view, download or edit", perm)
	}
	g := SharingGrant{
		UserID:     userID,
		UserRole:   strings.TrimSpace(userRole),
		Permission: perm,
		SharedAt:   m.now().UTC(),
	}
	if err := m.repo.UpsertGrant(ctx, documentID, g); err != nil {
		return SharingGrant{}, upstream("share document", err)
	}
	return g, nil
}

// Revoke removes every grant for userID. Revoking a user without a grant
// is not an error.
func (m *SharingManager) Revoke(ctx context.Context, documentID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return validationf("user_id is required")
	}
	if err := m.repo.RemoveGrant(ctx, documentID, userID); err != nil {
		return upstream("revoke sharing", err)
	}
	return nil
}
