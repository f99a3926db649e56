package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/operato/modrunner/internal/auth"
	"github.com/operato/modrunner/pkg/logger"
)

const tokenTTL = 12 * time.Hour

var publicPaths = map[string]struct{}{
	"/healthz":    {},
	"/metrics":    {},
	"/auth/login": {},
}

type ctxKey string

const ctxPrincipalKey ctxKey = "httpapi.principal"

func principalFromCtx(ctx context.Context) auth.Principal {
	if p, ok := ctx.Value(ctxPrincipalKey).(auth.Principal); ok {
		return p
	}
	return auth.Principal{}
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return ""
}

// wrapWithAuth validates the bearer token and attaches the principal to the
// request context. Static API tokens authenticate as admin; JWTs carry their
// own role and scopes.
func wrapWithAuth(next http.Handler, tokens []string, authMgr *auth.Manager, log *logger.Logger) http.Handler {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			tokenSet[t] = struct{}{}
		}
	}
	if len(tokenSet) == 0 && !authMgr.HasUsers() && log != nil {
		log.Warn("no API tokens or users configured; rejecting authenticated endpoints")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		for configured := range tokenSet {
			if subtle.ConstantTimeCompare([]byte(token), []byte(configured)) == 1 {
				principal := auth.Principal{Username: "token", Role: auth.RoleAdmin}
				ctx := context.WithValue(r.Context(), ctxPrincipalKey, principal)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		claims, err := authMgr.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		principal := auth.Principal{Username: claims.Username, Role: claims.Role, Scopes: claims.Scopes}
		ctx := context.WithValue(r.Context(), ctxPrincipalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope answers false after writing a 403 when the principal lacks
// the scope.
func (h *handler) requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	if principalFromCtx(r.Context()).HasScope(scope) {
		return true
	}
	writeError(w, http.StatusForbidden, errors.New("insufficient scope"))
	return false
}

// requireAdmin gates the log-reading endpoints.
func (h *handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if principalFromCtx(r.Context()).Role == auth.RoleAdmin {
		return true
	}
	writeError(w, http.StatusForbidden, errors.New("admin role required"))
	return false
}

// requireExecute accepts either execution scope.
func (h *handler) requireExecute(w http.ResponseWriter, r *http.Request) bool {
	p := principalFromCtx(r.Context())
	if p.HasScope(auth.ScopeExecuteAll) || p.HasScope(auth.ScopeExecuteLimited) {
		return true
	}
	writeError(w, http.StatusForbidden, errors.New("insufficient scope"))
	return false
}
