package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActorExtractor(t *testing.T) {
	var gotActor string
	var gotRoles []string
	h := ActorExtractor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = GetActorID(r.Context())
		gotRoles = GetActorRoles(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderActorID, " backoffice-1 ")
	req.Header.Set(HeaderActorRoles, "backoffice, finance,,")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "backoffice-1", gotActor)
	assert.Equal(t, []string{"backoffice", "finance"}, gotRoles)
}

func TestRequireActor(t *testing.T) {
	h := ActorExtractor(RequireActor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "MISSING_ACTOR")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/payments/1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil)
	req.Header.Set(HeaderActorID, "agent-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecovererAndCorrelation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := CorrelationID(Recoverer(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}
