package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/operato/modrunner/internal/auth"
	"github.com/operato/modrunner/internal/domain/execution"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/registry"
)

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpc dispatches the method-call surface mirroring the REST semantics:
// Execute, ListModules, GetModule, RegisterModule, DeleteModule.
func (h *handler) rpc(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode rpc request: %w", err))
		return
	}
	req.Method = strings.TrimSpace(req.Method)
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("method is required"))
		return
	}

	switch req.Method {
	case "Execute":
		h.rpcExecute(w, r, req.Params)
	case "ListModules":
		h.rpcListModules(w, r)
	case "GetModule":
		h.rpcGetModule(w, r, req.Params)
	case "RegisterModule":
		h.rpcRegisterModule(w, r, req.Params)
	case "DeleteModule":
		h.rpcDeleteModule(w, r, req.Params)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown rpc method %q", req.Method))
	}
}

func (h *handler) rpcExecute(w http.ResponseWriter, r *http.Request, params json.RawMessage) {
	if !h.requireExecute(w, r) {
		return
	}
	var payload struct {
		ModuleName string         `json:"module_name"`
		Input      map[string]any `json:"input"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Input == nil {
		payload.Input = map[string]any{}
	}
	result, err := h.runner.Execute(r.Context(), execution.Request{
		ModuleName: payload.ModuleName,
		Input:      payload.Input,
	})
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (h *handler) rpcListModules(w http.ResponseWriter, r *http.Request) {
	if !h.requireScope(w, r, auth.ScopeModulesRead) {
		return
	}
	mods, err := h.registry.List(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": mods})
}

func (h *handler) rpcGetModule(w http.ResponseWriter, r *http.Request, params json.RawMessage) {
	if !h.requireScope(w, r, auth.ScopeModulesRead) {
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mod, err := h.registry.Get(r.Context(), payload.Name)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": mod})
}

func (h *handler) rpcRegisterModule(w http.ResponseWriter, r *http.Request, params json.RawMessage) {
	if !h.requireScope(w, r, auth.ScopeModulesWrite) {
		return
	}
	var payload struct {
		Name        string   `json:"name"`
		Env         string   `json:"env"`
		Version     string   `json:"version"`
		Code        string   `json:"code"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	principal := principalFromCtx(r.Context())
	created, err := h.registry.Register(r.Context(), registry.RegisterInput{
		Name:         payload.Name,
		EnvKind:      module.EnvKind(payload.Env),
		VersionLabel: payload.Version,
		Code:         payload.Code,
		Description:  payload.Description,
		Tags:         payload.Tags,
		Owner:        principal.Username,
	}, principal.Username)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": created})
}

func (h *handler) rpcDeleteModule(w http.ResponseWriter, r *http.Request, params json.RawMessage) {
	if !h.requireScope(w, r, auth.ScopeModulesWrite) {
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.registry.Delete(r.Context(), payload.Name); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "deleted"})
}
