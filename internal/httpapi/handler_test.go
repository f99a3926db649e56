package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/operato/modrunner/internal/artifact"
	"github.com/operato/modrunner/internal/auth"
	"github.com/operato/modrunner/internal/domain/oplog"
	"github.com/operato/modrunner/internal/executor"
	"github.com/operato/modrunner/internal/provision"
	"github.com/operato/modrunner/internal/registry"
	"github.com/operato/modrunner/internal/storage/memory"
	"github.com/operato/modrunner/internal/validation"
)

const adminToken = "test-admin-token"

type env struct {
	handler http.Handler
	store   *memory.Store
	authMgr *auth.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	artifacts, err := artifact.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	provisioner := provision.New(artifacts, store, nil, provision.Config{}, nil)
	reg := registry.New(store, artifacts, validation.New(store), provisioner, nil, nil)

	manager := executor.NewManager(reg, nil)
	inline := executor.NewInline(reg, time.Second, nil)
	manager.Register(inline.Kind(), inline)
	runner := executor.NewRetryableManager(manager, executor.RetryPolicy{
		MaxRetries:    1,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2,
	}, nil)

	authMgr := auth.NewManager("test-secret", []auth.UserSpec{
		{Username: "reader", Password: "pw", Role: "user", Scopes: []string{auth.ScopeModulesRead}},
		{Username: "operator", Password: "pw", Role: "user", Scopes: []string{
			auth.ScopeModulesRead, auth.ScopeModulesWrite, auth.ScopeExecuteAll,
		}},
	})

	service := NewService(":0", Options{
		Registry: reg,
		Runner:   runner,
		Logs:     store,
		Auth:     authMgr,
		Tokens:   []string{adminToken},
	}, nil)

	return &env{handler: service.Handler(), store: store, authMgr: authMgr}
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func registerAdd(t *testing.T, e *env) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/modules", adminToken, map[string]any{
		"name":    "add",
		"env":     "inline",
		"version": "1.0",
		"code":    "return input['a'] + input['b']",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func runModule(t *testing.T, e *env, name string, input map[string]any) map[string]any {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/run/"+name, adminToken, map[string]any{"input": input})
	if rec.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result map[string]any
	decodeBody(t, rec, &result)
	return result
}

func TestRegisterAndRunInline(t *testing.T) {
	e := newEnv(t)
	registerAdd(t, e)

	result := runModule(t, e, "add", map[string]any{"a": 2, "b": 3})
	if result["exit_code"] != float64(0) {
		t.Fatalf("expected exit 0, got %v (stderr=%v)", result["exit_code"], result["stderr"])
	}
	value := result["result"].(map[string]any)["result"]
	if value != float64(5) {
		t.Fatalf("expected 5, got %v", value)
	}
}

func TestNewVersionActivatesOldDeactivates(t *testing.T) {
	e := newEnv(t)
	registerAdd(t, e)

	rec := e.do(t, http.MethodPost, "/api/modules/add/versions", adminToken, map[string]any{
		"version": "2.0",
		"code":    "return input['a'] * input['b']",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/api/modules/add/versions", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("versions: %d", rec.Code)
	}
	var versions []map[string]any
	decodeBody(t, rec, &versions)
	statuses := map[string]string{}
	for _, info := range versions {
		statuses[info["version"].(string)] = info["status"].(string)
	}
	if statuses["1.0"] != "inactive" || statuses["2.0"] != "active" {
		t.Fatalf("unexpected statuses: %v", statuses)
	}

	result := runModule(t, e, "add", map[string]any{"a": 2, "b": 3})
	if result["result"].(map[string]any)["result"] != float64(6) {
		t.Fatalf("expected 6 after v2 activation, got %v", result["result"])
	}
}

func TestRollbackRestoresOldBehavior(t *testing.T) {
	e := newEnv(t)
	registerAdd(t, e)
	e.do(t, http.MethodPost, "/api/modules/add/versions", adminToken, map[string]any{
		"version": "2.0",
		"code":    "return input['a'] * input['b']",
	})

	rec := e.do(t, http.MethodPost, "/api/modules/add/rollback", adminToken, map[string]any{"version": "1.0"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback: %d: %s", rec.Code, rec.Body.String())
	}

	result := runModule(t, e, "add", map[string]any{"a": 2, "b": 3})
	if result["result"].(map[string]any)["result"] != float64(5) {
		t.Fatalf("expected 5 after rollback, got %v", result["result"])
	}

	rec = e.do(t, http.MethodGet, "/api/modules/add/history", adminToken, nil)
	var history []map[string]any
	decodeBody(t, rec, &history)
	rollbacks := 0
	for _, entry := range history {
		if entry["action"] == "rollback" {
			rollbacks++
		}
	}
	if rollbacks != 1 {
		t.Fatalf("expected one rollback history row, got %d", rollbacks)
	}
}

func TestDuplicateNameReturnsNameConflict(t *testing.T) {
	e := newEnv(t)
	registerAdd(t, e)

	rec := e.do(t, http.MethodPost, "/api/modules", adminToken, map[string]any{
		"name":    "add",
		"env":     "inline",
		"version": "9.9",
		"code":    "return 0",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var payload map[string]string
	decodeBody(t, rec, &payload)
	if payload["code"] != "NAME_CONFLICT" {
		t.Fatalf("expected NAME_CONFLICT, got %v", payload)
	}
}

func TestRunWithoutActiveDeployment(t *testing.T) {
	e := newEnv(t)
	registerAdd(t, e)
	e.do(t, http.MethodPost, "/api/modules/add/deactivate", adminToken, map[string]any{"version": "1.0"})

	result := runModule(t, e, "add", map[string]any{"a": 1, "b": 1})
	if result["exit_code"] != float64(1) {
		t.Fatalf("expected exit 1 without active deployment, got %v", result)
	}
}

func TestDeleteModule(t *testing.T) {
	e := newEnv(t)
	registerAdd(t, e)

	rec := e.do(t, http.MethodDelete, "/api/modules/add", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/api/modules/add", adminToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	if rec := e.do(t, http.MethodGet, "/api/modules", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/modules", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must be public, got %d", rec.Code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	e := newEnv(t)
	registerAdd(t, e)

	reader, _ := e.authMgr.Authenticate("reader", "pw")
	readerToken, _, err := e.authMgr.Issue(reader, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if rec := e.do(t, http.MethodGet, "/api/modules", readerToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("reader should list modules, got %d", rec.Code)
	}
	rec := e.do(t, http.MethodPost, "/api/modules", readerToken, map[string]any{
		"name": "x", "env": "inline", "version": "1.0", "code": "return 1",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("reader must not register modules, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/run/add", readerToken, map[string]any{"input": map[string]any{}}); rec.Code != http.StatusForbidden {
		t.Fatalf("reader must not execute, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/logs/errors", readerToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("logs are admin-only, got %d", rec.Code)
	}

	operator, _ := e.authMgr.Authenticate("operator", "pw")
	opToken, _, err := e.authMgr.Issue(operator, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if rec := e.do(t, http.MethodPost, "/run/add", opToken, map[string]any{"input": map[string]any{"a": 1, "b": 1}}); rec.Code != http.StatusOK {
		t.Fatalf("operator should execute, got %d", rec.Code)
	}
}

func TestErrorLogEndpointsForAdmin(t *testing.T) {
	e := newEnv(t)

	for i := 0; i < 3; i++ {
		if _, err := e.store.AppendErrorLog(context.Background(), oplog.ErrorLog{
			Code:    "INTERNAL",
			Message: fmt.Sprintf("failure %d", i),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := e.do(t, http.MethodGet, "/api/logs/errors?code=INTERNAL", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs: %d", rec.Code)
	}
	var payload struct {
		Total int              `json:"total"`
		Items []oplog.ErrorLog `json:"items"`
	}
	decodeBody(t, rec, &payload)
	if payload.Total != 3 || len(payload.Items) != 3 {
		t.Fatalf("expected 3 rows, got total=%d items=%d", payload.Total, len(payload.Items))
	}

	rec = e.do(t, http.MethodGet, "/api/logs/errors/download", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csv download: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected text/csv, got %s", ct)
	}
}

func TestModuleTemplateDownload(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/templates/module", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("template: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("expected application/zip, got %s", ct)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("empty archive")
	}
}

func TestRPCSurface(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/rpc", adminToken, map[string]any{
		"method": "RegisterModule",
		"params": map[string]any{
			"name": "add", "env": "inline", "version": "1.0",
			"code": "return input['a'] + input['b']",
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rpc register: %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodPost, "/rpc", adminToken, map[string]any{
		"method": "Execute",
		"params": map[string]any{
			"module_name": "add",
			"input":       map[string]any{"a": 4, "b": 6},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rpc execute: %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Result struct {
			Result   map[string]any `json:"result"`
			ExitCode int            `json:"exit_code"`
		} `json:"result"`
	}
	decodeBody(t, rec, &resp)
	if resp.Result.ExitCode != 0 || resp.Result.Result["result"] != float64(10) {
		t.Fatalf("unexpected rpc result: %+v", resp)
	}

	rec = e.do(t, http.MethodPost, "/rpc", adminToken, map[string]any{
		"method": "ListModules", "params": map[string]any{},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rpc list: %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/rpc", adminToken, map[string]any{
		"method": "DeleteModule", "params": map[string]any{"name": "add"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rpc delete: %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/rpc", adminToken, map[string]any{
		"method": "Frobnicate", "params": map[string]any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown method must 400, got %d", rec.Code)
	}
}

func TestLoginIssuesToken(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"username": "operator", "password": "pw",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	decodeBody(t, rec, &payload)
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("expected token in response")
	}
	if rec := e.do(t, http.MethodGet, "/api/modules", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("issued token rejected: %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"username": "operator", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %d", rec.Code)
	}
}
