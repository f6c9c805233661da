package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"obratrack/internal/domain"
)

const attachmentColumns = `id,work_id,stage_id,stored_name,original_filename,media_type,size,version,previous_id,uploaded_by,deleted_at,deleted_by,created_at`

// ErrVersionConflict indicates a concurrent upload won the version slot;
// the caller should re-read the latest version and retry.
var ErrVersionConflict = errors.New("attachment version conflict")

func scanAttachment(scan func(dest ...any) error) (domain.Attachment, error) {
	var a domain.Attachment
	var stageID, previousID, deletedAt, deletedBy sql.NullString
	err := scan(&a.ID, &a.WorkID, &stageID, &a.StoredName, &a.OriginalFilename, &a.MediaType, &a.Size, &a.Version, &previousID, &a.UploadedBy, &deletedAt, &deletedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if stageID.Valid {
		a.StageID = &stageID.String
	}
	if previousID.Valid {
		a.PreviousID = &previousID.String
	}
	if deletedAt.Valid {
		a.DeletedAt = &deletedAt.String
	}
	if deletedBy.Valid {
		a.DeletedBy = &deletedBy.String
	}
	return a, nil
}

func (r Repo) InsertAttachment(ctx context.Context, a domain.Attachment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO attachments(`+attachmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkID, nullableStringPtr(a.StageID), a.StoredName, a.OriginalFilename, a.MediaType, a.Size, a.Version,
		nullableStringPtr(a.PreviousID), a.UploadedBy, nullableStringPtr(a.DeletedAt), nullableStringPtr(a.DeletedBy), a.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "attachments_lineage") {
		return ErrVersionConflict
	}
	return err
}

func (r Repo) GetAttachment(ctx context.Context, id string) (domain.Attachment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id=?`, id)
	return scanAttachment(row.Scan)
}

// LatestAttachmentVersion returns the highest-version row for a logical
// file, identified by its (work, stage, original filename) scope. Trashed
// rows count too: the lineage index spans them, so skipping a soft-deleted
// head would hand out an occupied version number.
func (r Repo) LatestAttachmentVersion(ctx context.Context, workID string, stageID *string, filename string) (domain.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments
WHERE work_id=? AND original_filename=? AND `
	args := []any{workID, filename}
	if stageID == nil {
		query += `stage_id IS NULL`
	} else {
		query += `stage_id=?`
		args = append(args, *stageID)
	}
	query += ` ORDER BY version DESC LIMIT 1`
	row := r.DB.QueryRowContext(ctx, query, args...)
	return scanAttachment(row.Scan)
}

type AttachmentFilters struct {
	WorkID  string
	StageID string
	Trash   bool
	Limit   int
}

func (r Repo) ListAttachments(ctx context.Context, f AttachmentFilters) ([]domain.Attachment, error) {
	clauses := []string{"deleted_at IS NULL"}
	if f.Trash {
		clauses = []string{"deleted_at IS NOT NULL"}
	}
	var args []any
	if f.WorkID != "" {
		clauses = append(clauses, "work_id=?")
		args = append(args, f.WorkID)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetAttachmentDeleted(ctx context.Context, id string, deletedAt, deletedBy *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE attachments SET deleted_at=?, deleted_by=? WHERE id=?`,
		nullableStringPtr(deletedAt), nullableStringPtr(deletedBy), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PermanentDeleteAttachment removes the metadata row. Successors drop their
// back-reference first so the delete does not trip the foreign key; chain
// walks end where the reference stops.
func (r Repo) PermanentDeleteAttachment(ctx context.Context, id string) error {
	if _, err := r.DB.ExecContext(ctx, `UPDATE attachments SET previous_id=NULL WHERE previous_id=?`, id); err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM attachments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkAttachmentStoredNames returns the stored blob names of every
// attachment row belonging to a work, used before permanent work deletion.
func (r Repo) ListWorkAttachmentStoredNames(ctx context.Context, workID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stored_name FROM attachments WHERE work_id=?`, workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CountAttachmentsByWork returns live attachment counts for a work.
func (r Repo) CountAttachmentsByWork(ctx context.Context, workID string) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM attachments WHERE work_id=? AND deleted_at IS NULL`, workID)
	var n int
	err := row.Scan(&n)
	return n, err
}
