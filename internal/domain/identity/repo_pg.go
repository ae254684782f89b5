package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/recordstore/internal/platform/db"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Patient Profile Lookup ===========

type profileRepoPG struct{ pool *pgxpool.Pool }

func NewProfileRepoPG(pool *pgxpool.Pool) ProfileLookup { return &profileRepoPG{pool: pool} }

func (r *profileRepoPG) FindByStoreID(ctx context.Context, id string) (*PatientProfile, error) {
	var p PatientProfile
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT id, external_token, secondary_user_ref FROM patient_profile WHERE id = $1`, id).
		Scan(&p.ID, &p.ExternalToken, &p.SecondaryUserRef)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// =========== User Lookup ===========

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserLookup { return &userRepoPG{pool: pool} }

const userCols = `id, external_token, role, display_name`

func (r *userRepoPG) scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.ExternalToken, &u.Role, &u.DisplayName); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *userRepoPG) FindByStoreID(ctx context.Context, id string) (*User, error) {
	return r.scanUser(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM app_user WHERE id = $1`, id))
}

func (r *userRepoPG) FindByExternalToken(ctx context.Context, token string) (*User, error) {
	return r.scanUser(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM app_user WHERE external_token = $1`, token))
}
