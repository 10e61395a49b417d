package healthz

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServesOKByDefault(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "200 OK" {
		t.Errorf("Body = %q, want %q", got, "200 OK")
	}
}

func TestSetReadyTogglesAvailability(t *testing.T) {
	h := New()
	h.SetReady(false)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status while not ready = %d, want 503", rec.Code)
	}

	h.SetReady(true)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Status after SetReady(true) = %d, want 200", rec.Code)
	}
}
