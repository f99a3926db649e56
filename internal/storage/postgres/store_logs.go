package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/operato/modrunner/internal/domain/oplog"
)

// --- LogStore ---------------------------------------------------------------

func (s *Store) AppendValidationLog(ctx context.Context, rec oplog.ValidationLog) (oplog.ValidationLog, error) {
	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_logs (id, filename, status, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.Filename, string(rec.Status), rec.Message, rec.CreatedAt)
	if err != nil {
		return oplog.ValidationLog{}, err
	}
	return rec, nil
}

func (s *Store) ListValidationLogs(ctx context.Context, limit int) ([]oplog.ValidationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, status, message, created_at
		FROM validation_logs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []oplog.ValidationLog
	for rows.Next() {
		var rec oplog.ValidationLog
		var status string
		if err := rows.Scan(&rec.ID, &rec.Filename, &status, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Status = oplog.ValidationStatus(status)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) AppendErrorLog(ctx context.Context, rec oplog.ErrorLog) (oplog.ErrorLog, error) {
	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_logs (id, code, message, developer_message, request_path, stack, principal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.Code, rec.Message, rec.DeveloperMessage, rec.RequestPath, rec.Stack, rec.Principal, rec.CreatedAt)
	if err != nil {
		return oplog.ErrorLog{}, err
	}
	return rec, nil
}

func errorLogWhere(f oplog.ErrorLogFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Code != "" {
		add("code = $%d", f.Code)
	}
	if f.Principal != "" {
		add("principal = $%d", f.Principal)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	if f.Keyword != "" {
		args = append(args, "%"+f.Keyword+"%")
		clauses = append(clauses, fmt.Sprintf("(message ILIKE $%d OR developer_message ILIKE $%d)", len(args), len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) ListErrorLogs(ctx context.Context, f oplog.ErrorLogFilter) ([]oplog.ErrorLog, error) {
	where, args := errorLogWhere(f)
	query := `
		SELECT id, code, message, developer_message, request_path, stack, principal, created_at
		FROM error_logs` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []oplog.ErrorLog
	for rows.Next() {
		var rec oplog.ErrorLog
		if err := rows.Scan(&rec.ID, &rec.Code, &rec.Message, &rec.DeveloperMessage,
			&rec.RequestPath, &rec.Stack, &rec.Principal, &rec.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) CountErrorLogs(ctx context.Context, f oplog.ErrorLogFilter) (int, error) {
	where, args := errorLogWhere(f)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_logs`+where, args...).Scan(&count)
	return count, err
}
