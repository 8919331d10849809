package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/common"
)

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{Secret: "secret", Issuer: "issuer", Audience: "aud", ClockSkew: time.Second})
	require.NoError(t, err)
	v.WithNow(func() time.Time { return now })
	return v
}

func signRaw(t *testing.T, alg jwa.SignatureAlgorithm, key any, build func(*jwt.Builder) *jwt.Builder) string {
	t.Helper()
	tok, err := build(jwt.NewBuilder()).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, key))
	require.NoError(t, err)
	return string(signed)
}

func TestVerifierRoundTrip(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)
	token, expires, err := v.Sign("merchant-1")
	require.NoError(t, err)
	require.Equal(t, now.Add(defaultTokenTTL), expires)

	owner, err := v.ParseOwner(token)
	require.NoError(t, err)
	require.Equal(t, "merchant-1", owner)
}

func TestVerifierRejectsIssuerMismatch(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)
	token := signRaw(t, jwa.HS256, []byte("secret"), func(b *jwt.Builder) *jwt.Builder {
		return b.Issuer("other").Audience([]string{"aud"}).Subject("m").IssuedAt(now).Expiration(now.Add(time.Minute))
	})
	_, err := v.ParseOwner(token)
	require.Error(t, err)
}

func TestVerifierRejectsExpired(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)
	token := signRaw(t, jwa.HS256, []byte("secret"), func(b *jwt.Builder) *jwt.Builder {
		return b.Issuer("issuer").Audience([]string{"aud"}).Subject("m").
			IssuedAt(now.Add(-2 * time.Hour)).Expiration(now.Add(-time.Minute))
	})
	_, err := v.ParseOwner(token)
	require.Error(t, err)
}

func TestVerifierRejectsWrongKeyAndAlgorithm(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)
	claims := func(b *jwt.Builder) *jwt.Builder {
		return b.Issuer("issuer").Audience([]string{"aud"}).Subject("m").IssuedAt(now).Expiration(now.Add(time.Minute))
	}

	_, err := v.ParseOwner(signRaw(t, jwa.HS256, []byte("other-secret"), claims))
	require.Error(t, err)

	_, err = v.ParseOwner(signRaw(t, jwa.HS512, []byte("secret"), claims))
	require.Error(t, err)
}

func TestVerifierRejectsMissingSubject(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)
	token := signRaw(t, jwa.HS256, []byte("secret"), func(b *jwt.Builder) *jwt.Builder {
		return b.Issuer("issuer").Audience([]string{"aud"}).IssuedAt(now).Expiration(now.Add(time.Minute))
	})
	_, err := v.ParseOwner(token)
	require.Error(t, err)
}

func TestRequireOwnerMiddleware(t *testing.T) {
	v := newTestVerifier(t, time.Now())
	token, _, err := v.Sign("merchant-7")
	require.NoError(t, err)

	var seen string
	handler := Middleware{Verifier: v}.RequireOwner(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = common.OwnerID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req = req.WithContext(zerolog.Nop().WithContext(req.Context()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "merchant-7", seen)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "UNAUTHORIZED")
	require.Equal(t, `Bearer realm="paylink"`, rec.Header().Get("WWW-Authenticate"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
