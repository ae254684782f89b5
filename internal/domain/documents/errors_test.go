package documents

import (
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrInvalidState, http.StatusConflict},
		{validationf("bad"), http.StatusBadRequest},
		{ErrForbidden, http.StatusForbidden},
		{upstream("list", errors.New("timeout")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestUpstream_KeepsTypedErrors(t *testing.T) {
	err := upstream("load", ErrNotFound)
	if err != ErrNotFound {
		t.Errorf("expected typed error untouched, got %v", err)
	}
	if upstream("load", nil) != nil {
		t.Error("expected nil to stay nil")
	}

	cause := errors.New("dial tcp: refused")
	wrapped := upstream("load", cause)
	if !errors.Is(wrapped, ErrUpstreamUnavailable) || !errors.Is(wrapped, cause) {
		t.Errorf("expected both sentinel and cause, got %v", wrapped)
	}
}

func TestHTTPError_HidesStoreDetails(t *testing.T) {
	he := httpError(upstream("list", errors.New(`relation "clinical_document" does not exist`)))
	if he.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", he.Code)
	}
	if msg, _ := he.Message.(string); strings.Contains(msg, "clinical_document") {
		t.Errorf("expected store detail to be hidden, got %q", msg)
	}
	if he.Internal == nil {
		t.Error("expected internal error to be kept")
	}

	he = httpError(validationf("patient_id is required"))
	if msg, _ := he.Message.(string); !strings.Contains(msg, "patient_id") {
		t.Errorf("expected validation message to be shown, got %q", msg)
	}
}
