package vault

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/common"
)

func newTestRouter(t *testing.T, ownerID string) http.Handler {
	t.Helper()
	svc, _ := newTestService(t)
	h := &Handler{Service: svc}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if owner := req.Header.Get("X-Test-Owner"); owner != "" {
				req = req.WithContext(common.WithOwnerID(req.Context(), owner))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/provider-configs", h.Routes)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-Test-Owner", owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateAndGetRedacts(t *testing.T) {
	router := newTestRouter(t, "owner-1")
	body := `{"provider":"stripe","displayName":"Main","isTestMode":true,"credentials":{"secret_key":"sk_test_abc","publishable_key":"pk_test_abc","webhook_secret":"whsec_abc"}}`
	rec := doJSON(t, router, http.MethodPost, "/provider-configs/", "owner-1", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotContains(t, rec.Body.String(), "sk_test_abc")
	require.NotContains(t, rec.Body.String(), "whsec_abc")

	var created struct {
		Data ConfigView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "pk_test_abc", created.Data.DisplayFields["publishable_key"])

	rec = doJSON(t, router, http.MethodGet, "/provider-configs/"+created.Data.ID, "owner-2", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/provider-configs/"+created.Data.ID+"/verify", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "lastVerifiedAt")
}

func TestHandlerErrors(t *testing.T) {
	router := newTestRouter(t, "owner-1")

	rec := doJSON(t, router, http.MethodGet, "/provider-configs/", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/provider-configs/", "owner-1", `{"provider":"stripe","displayName":"x","isTestMode":false,"credentials":{"secret_key":"sk_test_leak","webhook_secret":"w"}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_CREDENTIALS")
	require.NotContains(t, rec.Body.String(), "sk_test_leak")

	rec = doJSON(t, router, http.MethodPost, "/provider-configs/", "owner-1", `{"unknown":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/provider-configs/nope", "owner-1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
