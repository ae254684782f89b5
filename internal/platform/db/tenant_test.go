package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
)

// fakeTx stands in for an open transaction; TenantScope never calls it.
type fakeTx struct{ pgx.Tx }

func TestExtractTenantID_Order(t *testing.T) {
	tests := []struct {
		name   string
		jwt    string
		header string
		query  string
		want   string
	}{
		{"claim wins", "jwt_t", "header_t", "query_t", "jwt_t"},
		{"empty claim falls through", "", "header_t", "query_t", "header_t"},
		{"query param", "", "", "query_t", "query_t"},
		{"default", "", "", "", "clinic_default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/v1/documents"
			if tt.query != "" {
				target += "?tenant_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(TenantHeader, tt.header)
			}
			c := echo.New().NewContext(req, httptest.NewRecorder())
			c.Set("jwt_tenant_id", tt.jwt)

			if got := extractTenantID(c, "clinic_default"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTenantMiddleware_RejectsInvalidTenant(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set(TenantHeader, "clinic-a; DROP SCHEMA")
	c := echo.New().NewContext(req, httptest.NewRecorder())

	h := TenantMiddleware(nil, "default")(func(echo.Context) error {
		t.Fatal("handler should not run")
		return nil
	})
	he, ok := h(c).(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", he)
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("clinic_7"); got != "tenant_clinic_7" {
		t.Errorf("expected tenant_clinic_7, got %s", got)
	}
}

func TestWithTenant(t *testing.T) {
	ctx := WithTenant(context.Background(), "clinic_a")
	if got := TenantFromContext(ctx); got != "clinic_a" {
		t.Errorf("expected clinic_a, got %q", got)
	}
	if got := TenantFromContext(context.Background()); got != "" {
		t.Errorf("expected empty tenant, got %q", got)
	}
}

func TestDetach_KeepsTenantDropsConnAndCancel(t *testing.T) {
	parent, cancel := context.WithCancel(WithTenant(context.Background(), "clinic_a"))
	parent = context.WithValue(parent, DBTxKey, fakeTx{})
	detached := Detach(parent)
	cancel()

	if detached.Err() != nil {
		t.Error("expected detached context to ignore parent cancellation")
	}
	if got := TenantFromContext(detached); got != "clinic_a" {
		t.Errorf("expected tenant clinic_a, got %q", got)
	}
	if ConnFromContext(detached) != nil {
		t.Error("expected no connection on detached context")
	}
	if TxFromContext(detached) != nil {
		t.Error("expected transaction to be hidden")
	}
}

func TestTenantScope_ReusesTransactionInContext(t *testing.T) {
	scope := NewTenantScope(nil, "default")
	ctx := context.WithValue(WithTenant(context.Background(), "clinic_a"), DBTxKey, fakeTx{})

	var seen context.Context
	err := scope.Run(ctx, func(ctx context.Context) error {
		seen = ctx
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != ctx {
		t.Error("expected callback to run on the caller's context")
	}
}

func TestTenantScope_InvalidTenant(t *testing.T) {
	tests := []struct {
		name          string
		tenant        string
		defaultTenant string
	}{
		{"from context", "bad-tenant!", "default"},
		{"default applied when context has none", "", "bad default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope := NewTenantScope(nil, tt.defaultTenant)
			called := false
			err := scope.Run(WithTenant(context.Background(), tt.tenant), func(context.Context) error {
				called = true
				return nil
			})
			if err == nil {
				t.Error("expected error for invalid tenant identifier")
			}
			if called {
				t.Error("expected callback not to run")
			}
		})
	}
}

func TestCreateTenantSchema_InvalidID(t *testing.T) {
	for _, id := range []string{"tenant-with-dash", "ten ant", "drop;table", ""} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}
