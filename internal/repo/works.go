package repo

import (
	"context"
	"database/sql"
	"strings"

	"obratrack/internal/domain"
)

const workColumns = `id,number,name,year,month,notes,status,period,work_type,progress,created_by,deleted_at,created_at,updated_at`

func scanWork(scan func(dest ...any) error) (domain.Work, error) {
	var w domain.Work
	var notes, period, workType, deletedAt sql.NullString
	err := scan(&w.ID, &w.Number, &w.Name, &w.Year, &w.Month, &notes, &w.Status, &period, &workType, &w.Progress, &w.CreatedBy, &deletedAt, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if notes.Valid {
		w.Notes = notes.String
	}
	if period.Valid {
		w.Period = &period.String
	}
	if workType.Valid {
		w.WorkType = &workType.String
	}
	if deletedAt.Valid {
		w.DeletedAt = &deletedAt.String
	}
	return w, nil
}

func (r Repo) InsertWorkTx(ctx context.Context, tx *sql.Tx, w domain.Work) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO works(`+workColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Number, w.Name, w.Year, w.Month, nullable(w.Notes), w.Status,
		nullableStringPtr(w.Period), nullableStringPtr(w.WorkType), w.Progress,
		w.CreatedBy, nullableStringPtr(w.DeletedAt), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWork(ctx context.Context, id string) (domain.Work, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workColumns+` FROM works WHERE id=?`, id)
	return scanWork(row.Scan)
}

// NumberInUse reports whether any live work other than excludeID holds the
// given external number.
func (r Repo) NumberInUse(ctx context.Context, number, excludeID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM works WHERE number=? AND deleted_at IS NULL AND id<>? LIMIT 1`, number, excludeID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) UpdateWork(ctx context.Context, w domain.Work) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE works SET number=?, name=?, year=?, month=?, notes=?, status=?, updated_at=? WHERE id=?`,
		w.Number, w.Name, w.Year, w.Month, nullable(w.Notes), w.Status, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetWorkDeleted(ctx context.Context, id string, deletedAt *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE works SET deleted_at=? WHERE id=?`, nullableStringPtr(deletedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetWorkProgress(ctx context.Context, id string, progress int, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE works SET progress=?, updated_at=? WHERE id=?`, progress, updatedAt, id)
	return err
}

// PermanentDeleteWorkTx removes a work with its stages and attachment rows.
func (r Repo) PermanentDeleteWorkTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE work_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE work_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM works WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type WorkFilters struct {
	Period          string
	OldestPeriod    string
	Status          string
	Year            int
	Trash           bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListWorks lists live works by default, or only soft-deleted ones when
// Trash is set. Filtering by the oldest period also matches works created
// before the period field existed (period unset).
func (r Repo) ListWorks(ctx context.Context, f WorkFilters) ([]domain.Work, error) {
	clauses := []string{"deleted_at IS NULL"}
	if f.Trash {
		clauses = []string{"deleted_at IS NOT NULL"}
	}
	var args []any
	if f.Period != "" {
		if f.Period == f.OldestPeriod {
			clauses = append(clauses, "(period=? OR period IS NULL)")
		} else {
			clauses = append(clauses, "period=?")
		}
		args = append(args, f.Period)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Year != 0 {
		clauses = append(clauses, "year=?")
		args = append(args, f.Year)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + workColumns + ` FROM works ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Work
	for rows.Next() {
		w, err := scanWork(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// mapNumberConflict converts constraint failures from the partial unique
// index on live work numbers into ErrDuplicateNumber.
func mapNumberConflict(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "works_number_live") || strings.Contains(strings.ToLower(err.Error()), "unique constraint failed: works.number") {
		return ErrDuplicateNumber
	}
	return err
}

// InsertWorkTxChecked inserts a work mapping unique-number violations to
// ErrDuplicateNumber.
func (r Repo) InsertWorkTxChecked(ctx context.Context, tx *sql.Tx, w domain.Work) error {
	return mapNumberConflict(r.InsertWorkTx(ctx, tx, w))
}

// UpdateWorkChecked updates a work mapping unique-number violations to
// ErrDuplicateNumber.
func (r Repo) UpdateWorkChecked(ctx context.Context, w domain.Work) error {
	err := r.UpdateWork(ctx, w)
	if err != nil && err != ErrNotFound {
		return mapNumberConflict(err)
	}
	return err
}
