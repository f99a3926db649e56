package httpapi

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/operato/modrunner/internal/auth"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/registry"
)

type moduleSummary struct {
	module.Module
	IsDeployed bool `json:"isDeployed"`
}

func (h *handler) modules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !h.requireScope(w, r, auth.ScopeModulesRead) {
			return
		}
		mods, err := h.registry.List(r.Context())
		if err != nil {
			h.internalError(w, r, err)
			return
		}
		summaries := make([]moduleSummary, 0, len(mods))
		for _, mod := range mods {
			summaries = append(summaries, moduleSummary{Module: mod, IsDeployed: mod.CurrentVersion != ""})
		}
		writeJSON(w, http.StatusOK, summaries)

	case http.MethodPost:
		if !h.requireScope(w, r, auth.ScopeModulesWrite) {
			return
		}
		h.registerModule(w, r)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) registerModule(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())

	in := registry.RegisterInput{Owner: principal.Username}
	cleanup, err := h.decodeModulePayload(r, &in)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.registry.Register(r.Context(), in, principal.Username)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// decodeModulePayload reads either a JSON body (inline modules) or a
// multipart form with an archive file. The returned cleanup removes the
// temporary upload directory.
func (h *handler) decodeModulePayload(r *http.Request, in *registry.RegisterInput) (func(), error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			return nil, err
		}
		in.Name = r.FormValue("name")
		in.EnvKind = module.EnvKind(r.FormValue("env"))
		in.VersionLabel = r.FormValue("version")
		in.Description = r.FormValue("description")
		in.Changelog = r.FormValue("changelog")
		if tags := strings.TrimSpace(r.FormValue("tags")); tags != "" {
			in.Tags = strings.Split(tags, ",")
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, errors.New("artifact file is required")
		}
		defer file.Close()

		dir, err := saveUpload(file, header)
		if err != nil {
			return nil, err
		}
		in.ArtifactDir = dir
		return func() { _ = os.RemoveAll(dir) }, nil
	}

	var payload struct {
		Name        string   `json:"name"`
		Env         string   `json:"env"`
		Version     string   `json:"version"`
		Code        string   `json:"code"`
		Description string   `json:"description"`
		Changelog   string   `json:"changelog"`
		Tags        []string `json:"tags"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return nil, err
	}
	in.Name = payload.Name
	in.EnvKind = module.EnvKind(payload.Env)
	in.VersionLabel = payload.Version
	in.Code = payload.Code
	in.Description = payload.Description
	in.Changelog = payload.Changelog
	in.Tags = payload.Tags
	return nil, nil
}

func saveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	dir, err := os.MkdirTemp("", "modrunner-upload-*")
	if err != nil {
		return "", err
	}
	name := filepath.Base(header.Filename)
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		_ = os.RemoveAll(dir)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func (h *handler) moduleResources(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path, "/api/modules/")
	if len(segments) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	name := segments[0]
	rest := segments[1:]

	if len(rest) == 0 {
		h.moduleItem(w, r, name)
		return
	}

	switch rest[0] {
	case "versions":
		h.moduleVersions(w, r, name)
	case "activate":
		h.lifecycle(w, r, name, module.ActionActivate)
	case "deactivate":
		h.lifecycle(w, r, name, module.ActionDeactivate)
	case "rollback":
		h.lifecycle(w, r, name, module.ActionRollback)
	case "deploy":
		h.moduleDeploy(w, r, name)
	case "history":
		h.moduleHistory(w, r, name)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) moduleItem(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		if !h.requireScope(w, r, auth.ScopeModulesRead) {
			return
		}
		mod, ver, err := h.registry.ResolveActive(r.Context(), name)
		if errors.Is(err, module.ErrNoActiveDeployment) {
			mod, err = h.registry.Get(r.Context(), name)
			if err != nil {
				h.writeFailure(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"module": mod})
			return
		}
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"module":         mod,
			"active_version": ver,
		})

	case http.MethodPatch:
		if !h.requireScope(w, r, auth.ScopeModulesWrite) {
			return
		}
		var payload struct {
			Description string   `json:"description"`
			Tags        []string `json:"tags"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := h.registry.UpdateMeta(r.Context(), name, payload.Description, payload.Tags)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case http.MethodDelete:
		if !h.requireScope(w, r, auth.ScopeModulesWrite) {
			return
		}
		if err := h.registry.Delete(r.Context(), name); err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) moduleVersions(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		if !h.requireScope(w, r, auth.ScopeModulesRead) {
			return
		}
		versions, err := h.registry.ListVersions(r.Context(), name)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, versions)

	case http.MethodPost:
		if !h.requireScope(w, r, auth.ScopeModulesWrite) {
			return
		}
		principal := principalFromCtx(r.Context())

		var reg registry.RegisterInput
		cleanup, err := h.decodeModulePayload(r, &reg)
		if cleanup != nil {
			defer cleanup()
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ver, err := h.registry.UploadVersion(r.Context(), name, registry.VersionInput{
			Label:       reg.VersionLabel,
			Code:        reg.Code,
			ArtifactDir: reg.ArtifactDir,
			Description: reg.Description,
			Changelog:   reg.Changelog,
		}, principal.Username)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, ver)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) lifecycle(w http.ResponseWriter, r *http.Request, name string, action module.HistoryAction) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.requireScope(w, r, auth.ScopeModulesWrite) {
		return
	}
	var payload struct {
		Version string `json:"version"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	operator := principalFromCtx(r.Context()).Username

	var err error
	switch action {
	case module.ActionActivate:
		err = h.registry.Activate(r.Context(), name, payload.Version, operator)
	case module.ActionDeactivate:
		err = h.registry.Deactivate(r.Context(), name, payload.Version, operator)
	case module.ActionRollback:
		err = h.registry.Rollback(r.Context(), name, payload.Version, operator)
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(action)})
}

func (h *handler) moduleDeploy(w http.ResponseWriter, r *http.Request, name string) {
	if !h.requireScope(w, r, auth.ScopeModulesWrite) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		if err := h.registry.Deploy(r.Context(), name); err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deployed"})
	case http.MethodDelete:
		if err := h.registry.Undeploy(r.Context(), name); err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "undeployed"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) moduleHistory(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.requireScope(w, r, auth.ScopeModulesRead) {
		return
	}
	entries, err := h.registry.History(r.Context(), name)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// moduleTemplate serves a starter archive with the expected layout.
func (h *handler) moduleTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range templateFiles {
		f, err := zw.Create(name)
		if err != nil {
			h.internalError(w, r, err)
			return
		}
		if _, err := f.Write([]byte(content)); err != nil {
			h.internalError(w, r, err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		h.internalError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="module-template.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

var templateFiles = map[string]string{
	"handler.py": `def handler(input):
    """Entry point. Receives the request input object, returns the result."""
    return {"echo": input}
`,
	"requirements.txt": "",
	"README.md": `# Module template

Implement your logic in handler.py; declare dependencies in
requirements.txt.
`,
}
