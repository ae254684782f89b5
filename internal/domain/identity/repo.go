package identity

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups when no record matches.
var ErrNotFound = errors.New("identity: not found")

type ProfileLookup interface {
	FindByStoreID(ctx context.Context, id string) (*PatientProfile, error)
}

type UserLookup interface {
	FindByStoreID(ctx context.Context, id string) (*User, error)
	FindByExternalToken(ctx context.Context, token string) (*User, error)
}
