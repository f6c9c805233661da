package repo

import (
	"context"
	"database/sql"
	"strings"

	"obratrack/internal/domain"
)

const auditColumns = `id,action,entity_type,entity_id,actor_id,work_id,stage_id,attachment_id,field,before_json,after_json,ts`

func scanAuditRecord(scan func(dest ...any) error) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var workID, stageID, attachmentID, field, before, after sql.NullString
	err := scan(&rec.ID, &rec.Action, &rec.EntityType, &rec.EntityID, &rec.ActorID, &workID, &stageID, &attachmentID, &field, &before, &after, &rec.TS)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if workID.Valid {
		rec.WorkID = &workID.String
	}
	if stageID.Valid {
		rec.StageID = &stageID.String
	}
	if attachmentID.Valid {
		rec.AttachmentID = &attachmentID.String
	}
	if field.Valid {
		rec.Field = &field.String
	}
	if before.Valid {
		rec.Before = &before.String
	}
	if after.Valid {
		rec.After = &after.String
	}
	return rec, nil
}

// InsertAuditRecord appends one record. There is deliberately no update or
// delete counterpart for audit_records anywhere in the codebase.
func (r Repo) InsertAuditRecord(ctx context.Context, rec domain.AuditRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO audit_records(action,entity_type,entity_id,actor_id,work_id,stage_id,attachment_id,field,before_json,after_json,ts) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.Action, rec.EntityType, rec.EntityID, rec.ActorID,
		nullableStringPtr(rec.WorkID), nullableStringPtr(rec.StageID), nullableStringPtr(rec.AttachmentID),
		nullableStringPtr(rec.Field), nullableStringPtr(rec.Before), nullableStringPtr(rec.After), rec.TS)
	return err
}

type AuditFilters struct {
	WorkID       string
	StageID      string
	AttachmentID string
	EntityType   string
	Action       string
	Page         int
	Limit        int
}

// ListAuditRecords returns a page of records newest-first plus the total
// count for the filter.
func (r Repo) ListAuditRecords(ctx context.Context, f AuditFilters) ([]domain.AuditRecord, int, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkID != "" {
		clauses = append(clauses, "work_id=?")
		args = append(args, f.WorkID)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.AttachmentID != "" {
		clauses = append(clauses, "attachment_id=?")
		args = append(args, f.AttachmentID)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM audit_records `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	query := `SELECT ` + auditColumns + ` FROM audit_records ` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, rec)
	}
	return res, total, rows.Err()
}

// LatestAuditRecordID returns the highest record ID, or zero when the trail
// is empty.
func (r Repo) LatestAuditRecordID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT coalesce(max(id),0) FROM audit_records`).Scan(&id)
	return id, err
}

// AuditRecordsAfter returns records with IDs greater than the cursor in
// ascending order, for webhook delivery.
func (r Repo) AuditRecordsAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
