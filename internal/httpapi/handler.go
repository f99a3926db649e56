// Package httpapi exposes the platform's REST and RPC surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strings"

	"golang.org/x/time/rate"

	"github.com/operato/modrunner/internal/auth"
	"github.com/operato/modrunner/internal/domain/execution"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/domain/oplog"
	"github.com/operato/modrunner/internal/metrics"
	"github.com/operato/modrunner/internal/provision"
	"github.com/operato/modrunner/internal/registry"
	"github.com/operato/modrunner/internal/storage"
	"github.com/operato/modrunner/internal/validation"
	"github.com/operato/modrunner/pkg/logger"
)

// Runner executes module handlers; satisfied by the retryable executor
// manager.
type Runner interface {
	Execute(ctx context.Context, req execution.Request) (execution.Result, error)
}

// handler bundles the HTTP endpoints.
type handler struct {
	registry *registry.Service
	runner   Runner
	logs     storage.LogStore
	authMgr  *auth.Manager
	limiter  *rate.Limiter
	log      *logger.Logger
}

// NewHandler returns a mux exposing the module API.
func NewHandler(reg *registry.Service, runner Runner, logs storage.LogStore,
	authMgr *auth.Manager, limiter *rate.Limiter, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("http")
	}
	h := &handler{registry: reg, runner: runner, logs: logs, authMgr: authMgr, limiter: limiter, log: log}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/system/status", h.systemStatus)
	mux.HandleFunc("/auth/login", h.login)
	mux.HandleFunc("/api/modules", h.modules)
	mux.HandleFunc("/api/modules/", h.moduleResources)
	mux.HandleFunc("/api/logs/errors", h.errorLogs)
	mux.HandleFunc("/api/logs/errors/download", h.errorLogsCSV)
	mux.HandleFunc("/api/templates/module", h.moduleTemplate)
	mux.HandleFunc("/run/", h.run)
	mux.HandleFunc("/rpc", h.rpc)
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := h.authMgr.Authenticate(payload.Username, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, expires, err := h.authMgr.Issue(principal, tokenTTL)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires,
	})
}

// --- helpers ----------------------------------------------------------------

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": err.Error()})
}

// writeFailure maps a registry error onto the domain error codes. Unexpected
// errors become 500s with an ErrorLog row.
func (h *handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var valErr *validation.Error
	var provErr *provision.Error
	switch {
	case errors.Is(err, module.ErrModuleNotFound), errors.Is(err, module.ErrModuleDeleted):
		writeDomainError(w, http.StatusNotFound, "MODULE_NOT_FOUND", err)
	case errors.Is(err, module.ErrVersionNotFound):
		writeDomainError(w, http.StatusNotFound, "VERSION_NOT_FOUND", err)
	case errors.Is(err, module.ErrNameConflict):
		writeDomainError(w, http.StatusBadRequest, "NAME_CONFLICT", err)
	case errors.Is(err, module.ErrDuplicateVersion):
		writeDomainError(w, http.StatusBadRequest, "DUPLICATE_VERSION", err)
	case errors.Is(err, module.ErrNoActiveDeployment):
		writeDomainError(w, http.StatusBadRequest, "NO_ACTIVE_DEPLOYMENT", err)
	case errors.Is(err, module.ErrBadInput):
		writeDomainError(w, http.StatusBadRequest, "BAD_INPUT", err)
	case errors.As(err, &valErr):
		writeDomainError(w, http.StatusBadRequest, "BAD_INPUT", err)
	case errors.As(err, &provErr):
		writeDomainError(w, http.StatusBadGateway, "PROVISION_FAILED", err)
	default:
		h.internalError(w, r, err)
	}
}

// internalError captures an unexpected failure into the error log and
// answers with a 500.
func (h *handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	principal := principalFromCtx(r.Context())
	_, _ = h.logs.AppendErrorLog(r.Context(), oplog.ErrorLog{
		Code:             "INTERNAL",
		Message:          err.Error(),
		DeveloperMessage: err.Error(),
		RequestPath:      r.URL.Path,
		Stack:            string(debug.Stack()),
		Principal:        principal.Username,
	})
	h.log.WithError(err).WithField("path", r.URL.Path).Error("internal error")
	writeDomainError(w, http.StatusInternalServerError, "INTERNAL", errors.New("internal server error"))
}

// splitPath breaks the path after the prefix into segments.
func splitPath(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
