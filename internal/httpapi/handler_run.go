package httpapi

import (
	"errors"
	"net/http"

	"github.com/operato/modrunner/internal/domain/execution"
)

// run executes a module's handler. Handler failures (non-zero exit, timeout)
// are not platform errors: the response is 200 with the result body.
func (h *handler) run(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.requireExecute(w, r) {
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, errors.New("execution rate limit exceeded"))
		return
	}

	segments := splitPath(r.URL.Path, "/run/")
	if len(segments) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	name := segments[0]

	var payload struct {
		Input map[string]any `json:"input"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeDomainError(w, http.StatusBadRequest, "BAD_INPUT", err)
		return
	}
	if payload.Input == nil {
		payload.Input = map[string]any{}
	}

	result, err := h.runner.Execute(r.Context(), execution.Request{
		ModuleName: name,
		Input:      payload.Input,
	})
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
