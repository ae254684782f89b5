package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestHandler_Resolve(t *testing.T) {
	r, _, _ := newTestResolver()
	h := NewHandler(r, zerolog.Nop())
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/?ref="+profileWithUserRef, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Resolve(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["canonical"] != "user_linked" {
		t.Errorf("expected canonical user_linked, got %v", body["canonical"])
	}
	if body["kind"] != "store_id" {
		t.Errorf("expected kind store_id, got %v", body["kind"])
	}
	user, ok := body["user"].(map[string]interface{})
	if !ok || user["id"] != linkedUser {
		t.Errorf("expected linked user in response, got %v", body["user"])
	}
}

func TestHandler_Resolve_Legacy(t *testing.T) {
	r, _, _ := newTestResolver()
	h := NewHandler(r, zerolog.Nop())
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/?ref=patient-042", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Resolve(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["resolved"] != false {
		t.Errorf("expected resolved=false, got %v", body["resolved"])
	}
	if _, ok := body["user"]; ok {
		t.Error("expected no user for an unresolved reference")
	}
}

func TestHandler_Resolve_MissingRef(t *testing.T) {
	r, _, _ := newTestResolver()
	h := NewHandler(r, zerolog.Nop())
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.Resolve(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
