package httpapi

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/operato/modrunner/internal/domain/oplog"
)

func errorLogFilter(r *http.Request) oplog.ErrorLogFilter {
	q := r.URL.Query()
	f := oplog.ErrorLogFilter{
		Code:      q.Get("code"),
		Principal: q.Get("user"),
		Keyword:   q.Get("keyword"),
		Limit:     50,
	}
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			f.Limit = parsed
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			f.Offset = parsed
		}
	}
	if raw := q.Get("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.From = t
		}
	}
	if raw := q.Get("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.To = t
		}
	}
	return f
}

func (h *handler) errorLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}

	f := errorLogFilter(r)
	records, err := h.logs.ListErrorLogs(r.Context(), f)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	total, err := h.logs.CountErrorLogs(r.Context(), f)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  total,
		"items":  records,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (h *handler) errorLogsCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}

	f := errorLogFilter(r)
	f.Limit = 0 // the download carries every matching row
	records, err := h.logs.ListErrorLogs(r.Context(), f)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="error-logs.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "code", "message", "developer_message", "request_path", "principal", "created_at"})
	for _, rec := range records {
		_ = cw.Write([]string{
			rec.ID,
			rec.Code,
			rec.Message,
			rec.DeveloperMessage,
			rec.RequestPath,
			rec.Principal,
			rec.CreatedAt.Format(time.RFC3339),
		})
	}
	cw.Flush()
}
