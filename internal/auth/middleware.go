package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paylink/internal/common"
)

var errNoToken = errors.New("auth: token missing")

// Middleware wires merchant identity into HTTP handlers.
type Middleware struct {
	Verifier *Verifier
}

// RequireOwner rejects requests without a valid bearer token and stores the
// owner id on the request context and its logger.
func (m Middleware) RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="paylink"`)
			var appErr *common.AppError
			if errors.As(err, &appErr) {
				common.WriteError(w, appErr)
				return
			}
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m Middleware) authenticate(r *http.Request) (context.Context, error) {
	if m.Verifier == nil {
		return r.Context(), errors.New("auth: verifier not configured")
	}
	token := bearerToken(r)
	if token == "" {
		return r.Context(), errNoToken
	}
	owner, err := m.Verifier.ParseOwner(token)
	if err != nil {
		return r.Context(), err
	}
	ctx := common.WithOwnerID(r.Context(), owner)
	if logger := zerolog.Ctx(ctx); logger.GetLevel() != zerolog.Disabled {
		scoped := logger.With().Str("owner_id", owner).Logger()
		ctx = scoped.WithContext(ctx)
	}
	return ctx, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
