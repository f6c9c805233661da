package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"obratrack/internal/domain"
)

const stageColumns = `id,work_id,number,name,state,responsible,progress,checklist_json,data_json,notes,assignee_id,created_at,updated_at`

func scanStage(scan func(dest ...any) error) (domain.Stage, error) {
	var s domain.Stage
	var checklist, data, notes, assignee sql.NullString
	err := scan(&s.ID, &s.WorkID, &s.Number, &s.Name, &s.State, &s.Responsible, &s.Progress, &checklist, &data, &notes, &assignee, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if checklist.Valid && checklist.String != "" {
		if err := json.Unmarshal([]byte(checklist.String), &s.Checklist); err != nil {
			return s, fmt.Errorf("decode checklist for stage %s: %w", s.ID, err)
		}
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &s.Data); err != nil {
			return s, fmt.Errorf("decode data for stage %s: %w", s.ID, err)
		}
	}
	if notes.Valid {
		s.Notes = notes.String
	}
	if assignee.Valid {
		s.AssigneeID = &assignee.String
	}
	return s, nil
}

func marshalStageJSON(s domain.Stage) (checklist, data any, err error) {
	checklist, data = nil, nil
	if len(s.Checklist) > 0 {
		b, err := json.Marshal(s.Checklist)
		if err != nil {
			return nil, nil, err
		}
		checklist = string(b)
	}
	if len(s.Data) > 0 {
		b, err := json.Marshal(s.Data)
		if err != nil {
			return nil, nil, err
		}
		data = string(b)
	}
	return checklist, data, nil
}

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	checklist, data, err := marshalStageJSON(s)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stages(`+stageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.WorkID, s.Number, s.Name, s.State, s.Responsible, s.Progress,
		checklist, data, nullable(s.Notes), nullableStringPtr(s.AssigneeID), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id)
	return scanStage(row.Scan)
}

func (r Repo) ListStagesByWork(ctx context.Context, workID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE work_id=? ORDER BY number ASC`, workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateStage writes the mutable stage fields. Number and responsible are
// fixed at creation and never written here.
func (r Repo) UpdateStage(ctx context.Context, s domain.Stage) error {
	checklist, data, err := marshalStageJSON(s)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE stages SET name=?, state=?, progress=?, checklist_json=?, data_json=?, notes=?, assignee_id=?, updated_at=? WHERE id=?`,
		s.Name, s.State, s.Progress, checklist, data, nullable(s.Notes), nullableStringPtr(s.AssigneeID), s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StageProgresses returns the progress values of every stage of a work.
func (r Repo) StageProgresses(ctx context.Context, workID string) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT progress FROM stages WHERE work_id=?`, workID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
