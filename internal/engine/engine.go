// Package engine implements the work/stage lifecycle, the attachment
// version chain and aggregate progress. Every mutation is gated by the
// access matrix and followed by a best-effort audit append.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"obratrack/internal/access"
	"obratrack/internal/audit"
	"obratrack/internal/catalog"
	"obratrack/internal/config"
	"obratrack/internal/domain"
	"obratrack/internal/repo"
	"obratrack/internal/storage"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Recorder
	Blobs  storage.Store
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, blobs storage.Store) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Audit:  audit.Writer{Repo: r},
		Blobs:  blobs,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Actor identifies who performs an operation and with which role.
type Actor struct {
	ID   string
	Role string
}

// WorkCreateOptions are parameters for creating a work with its stage set.
type WorkCreateOptions struct {
	Number   string
	Name     string
	Year     int
	Month    int
	Notes    string
	Status   string
	Period   string
	WorkType string
}

// CreateWork resolves the stage templates for the period and persists the
// work plus one stage per template as a single transaction. A failure after
// the work row would leave an orphan, so both writes commit or neither does.
func (e Engine) CreateWork(ctx context.Context, opts WorkCreateOptions, actor Actor) (domain.Work, []domain.Stage, error) {
	if opts.Number == "" {
		return domain.Work{}, nil, errors.New("number is required")
	}
	if opts.Name == "" {
		return domain.Work{}, nil, errors.New("name is required")
	}
	if opts.Month < 1 || opts.Month > 12 {
		return domain.Work{}, nil, errors.New("month must be between 1 and 12")
	}
	if opts.Status == "" {
		opts.Status = "not_started"
	}
	templates, err := catalog.Resolve(opts.Period, opts.WorkType)
	if err != nil {
		return domain.Work{}, nil, err
	}
	inUse, err := e.Repo.NumberInUse(ctx, opts.Number, "")
	if err != nil {
		return domain.Work{}, nil, err
	}
	if inUse {
		return domain.Work{}, nil, repo.ErrDuplicateNumber
	}

	now := e.now().UTC().Format(time.RFC3339)
	w := domain.Work{
		ID:        uuid.New().String(),
		Number:    opts.Number,
		Name:      opts.Name,
		Year:      opts.Year,
		Month:     opts.Month,
		Notes:     opts.Notes,
		Status:    opts.Status,
		Period:    &opts.Period,
		CreatedBy: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.WorkType != "" {
		w.WorkType = &opts.WorkType
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Work{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkTxChecked(ctx, tx, w); err != nil {
		return domain.Work{}, nil, err
	}
	stages := make([]domain.Stage, 0, len(templates))
	for _, tpl := range templates {
		s := domain.Stage{
			ID:          uuid.New().String(),
			WorkID:      w.ID,
			Number:      tpl.Number,
			Name:        tpl.Name,
			State:       "not_started",
			Responsible: tpl.Responsible,
			Progress:    0,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
			return domain.Work{}, nil, fmt.Errorf("insert stage %d: %w", tpl.Number, err)
		}
		stages = append(stages, s)
	}
	if err := tx.Commit(); err != nil {
		return domain.Work{}, nil, err
	}

	e.Audit.Record(ctx, audit.Entry{
		Action:     audit.ActionCreate,
		EntityType: audit.EntityWork,
		EntityID:   w.ID,
		ActorID:    actor.ID,
		WorkID:     w.ID,
		After:      w,
	})
	return w, stages, nil
}

// WorkUpdateOptions holds the editable work fields; nil means leave as is.
// Period, work type and the stage set are immutable after creation.
type WorkUpdateOptions struct {
	Number *string
	Name   *string
	Year   *int
	Month  *int
	Notes  *string
	Status *string
}

func (e Engine) UpdateWork(ctx context.Context, id string, opts WorkUpdateOptions, actor Actor) (domain.Work, error) {
	w, err := e.Repo.GetWork(ctx, id)
	if err != nil {
		return w, err
	}
	if w.DeletedAt != nil {
		return w, repo.ErrNotFound
	}
	original := w
	if opts.Number != nil && *opts.Number != w.Number {
		if *opts.Number == "" {
			return w, errors.New("number cannot be empty")
		}
		inUse, err := e.Repo.NumberInUse(ctx, *opts.Number, w.ID)
		if err != nil {
			return w, err
		}
		if inUse {
			return w, repo.ErrDuplicateNumber
		}
		w.Number = *opts.Number
	}
	if opts.Name != nil {
		w.Name = *opts.Name
	}
	if opts.Year != nil {
		w.Year = *opts.Year
	}
	if opts.Month != nil {
		if *opts.Month < 1 || *opts.Month > 12 {
			return w, errors.New("month must be between 1 and 12")
		}
		w.Month = *opts.Month
	}
	if opts.Notes != nil {
		w.Notes = *opts.Notes
	}
	if opts.Status != nil {
		switch *opts.Status {
		case "not_started", "in_progress", "closed":
			w.Status = *opts.Status
		default:
			return w, fmt.Errorf("invalid status %q", *opts.Status)
		}
	}
	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateWorkChecked(ctx, w); err != nil {
		return w, err
	}
	e.recordFieldDiffs(ctx, actor, audit.EntityWork, w.ID, w.ID, "", []fieldDiff{
		{"number", original.Number, w.Number},
		{"name", original.Name, w.Name},
		{"year", original.Year, w.Year},
		{"month", original.Month, w.Month},
		{"notes", original.Notes, w.Notes},
		{"status", original.Status, w.Status},
	})
	return w, nil
}

// SoftDeleteWork marks a work deleted without touching its stages or
// attachments. Admin only.
func (e Engine) SoftDeleteWork(ctx context.Context, id string, actor Actor) error {
	if actor.Role != access.RoleAdmin {
		return access.ForbiddenError{Role: actor.Role}
	}
	w, err := e.Repo.GetWork(ctx, id)
	if err != nil {
		return err
	}
	if w.DeletedAt != nil {
		return repo.ErrNotFound
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetWorkDeleted(ctx, id, &now); err != nil {
		return err
	}
	e.Audit.Record(ctx, audit.Entry{
		Action:     audit.ActionDelete,
		EntityType: audit.EntityWork,
		EntityID:   id,
		ActorID:    actor.ID,
		WorkID:     id,
	})
	return nil
}

func (e Engine) RestoreWork(ctx context.Context, id string, actor Actor) error {
	w, err := e.Repo.GetWork(ctx, id)
	if err != nil {
		return err
	}
	if w.DeletedAt == nil {
		return nil
	}
	if err := e.Repo.SetWorkDeleted(ctx, id, nil); err != nil {
		return err
	}
	e.Audit.Record(ctx, audit.Entry{
		Action:     audit.ActionRestore,
		EntityType: audit.EntityWork,
		EntityID:   id,
		ActorID:    actor.ID,
		WorkID:     id,
	})
	return nil
}

// PermanentDeleteWork irreversibly removes an already soft-deleted work with
// its stages, attachment rows and blobs. Admin only.
func (e Engine) PermanentDeleteWork(ctx context.Context, id string, actor Actor) error {
	if actor.Role != access.RoleAdmin {
		return access.ForbiddenError{Role: actor.Role}
	}
	w, err := e.Repo.GetWork(ctx, id)
	if err != nil {
		return err
	}
	if w.DeletedAt == nil {
		return errors.New("work must be soft-deleted before permanent deletion")
	}
	storedNames, err := e.Repo.ListWorkAttachmentStoredNames(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.PermanentDeleteWorkTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Blobs != nil {
		for _, name := range storedNames {
			if err := e.Blobs.Remove(ctx, name); err != nil {
				// Blob cleanup is best-effort once the rows are gone.
				continue
			}
		}
	}
	e.Audit.Record(ctx, audit.Entry{
		Action:     audit.ActionDelete,
		EntityType: audit.EntityWork,
		EntityID:   id,
		ActorID:    actor.ID,
		WorkID:     id,
		Before:     w,
	})
	return nil
}

func (e Engine) GetWork(ctx context.Context, id string) (domain.Work, []domain.Stage, error) {
	w, err := e.Repo.GetWork(ctx, id)
	if err != nil {
		return w, nil, err
	}
	stages, err := e.Repo.ListStagesByWork(ctx, id)
	if err != nil {
		return w, nil, err
	}
	return w, stages, nil
}

func (e Engine) ListWorks(ctx context.Context, f repo.WorkFilters) ([]domain.Work, error) {
	f.OldestPeriod = catalog.OldestPeriod
	return e.Repo.ListWorks(ctx, f)
}

// StagePatch holds a partial stage update; nil fields are left untouched.
type StagePatch struct {
	Name       *string
	State      *string
	Progress   *int
	Checklist  *[]domain.ChecklistItem
	Data       *map[string]any
	Notes      *string
	AssigneeID *string
}

// UpdateStage applies a partial patch after checking the actor's role
// against the stage's responsible tag. Any of the four states may be set
// from any other; auditors override stages manually and no transition table
// is enforced. A progress write triggers the work-level recompute.
func (e Engine) UpdateStage(ctx context.Context, id string, patch StagePatch, actor Actor) (domain.Stage, error) {
	s, err := e.Repo.GetStage(ctx, id)
	if err != nil {
		return s, err
	}
	if !access.CanModify(actor.Role, s.Responsible) {
		return s, access.ForbiddenError{Role: actor.Role, Tag: s.Responsible}
	}
	original := s
	if patch.Name != nil {
		if *patch.Name == "" {
			return s, errors.New("name cannot be empty")
		}
		s.Name = *patch.Name
	}
	if patch.State != nil {
		switch *patch.State {
		case "not_started", "in_progress", "in_review", "approved":
			s.State = *patch.State
		default:
			return s, fmt.Errorf("invalid state %q", *patch.State)
		}
	}
	progressChanged := false
	if patch.Progress != nil {
		if *patch.Progress < 0 || *patch.Progress > 100 {
			return s, errors.New("progress must be between 0 and 100")
		}
		progressChanged = s.Progress != *patch.Progress
		s.Progress = *patch.Progress
	}
	if patch.Checklist != nil {
		for i, item := range *patch.Checklist {
			if item.Text == "" {
				return s, fmt.Errorf("checklist item %d has empty text", i)
			}
		}
		s.Checklist = *patch.Checklist
	}
	if patch.Data != nil {
		s.Data = *patch.Data
	}
	if patch.Notes != nil {
		s.Notes = *patch.Notes
	}
	if patch.AssigneeID != nil {
		if *patch.AssigneeID == "" {
			s.AssigneeID = nil
		} else {
			s.AssigneeID = patch.AssigneeID
		}
	}
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateStage(ctx, s); err != nil {
		return s, err
	}
	if progressChanged {
		if err := e.recomputeProgress(ctx, s.WorkID); err != nil {
			return s, err
		}
	}
	diffs := []fieldDiff{
		{"name", original.Name, s.Name},
		{"state", original.State, s.State},
		{"progress", original.Progress, s.Progress},
		{"notes", original.Notes, s.Notes},
	}
	if patch.Checklist != nil {
		diffs = append(diffs, fieldDiff{"checklist", original.Checklist, s.Checklist})
	}
	if patch.Data != nil {
		diffs = append(diffs, fieldDiff{"data", original.Data, s.Data})
	}
	if patch.AssigneeID != nil {
		diffs = append(diffs, fieldDiff{"assignee_id", original.AssigneeID, s.AssigneeID})
	}
	e.recordFieldDiffs(ctx, actor, audit.EntityStage, s.ID, s.WorkID, s.ID, diffs)
	return s, nil
}

// recomputeProgress sets the work's aggregate progress to the rounded mean
// of its stages. Zero stages leaves the stored value untouched. This runs
// after the stage update commits; concurrent stage writes on the same work
// race last-write-wins (see DESIGN.md).
func (e Engine) recomputeProgress(ctx context.Context, workID string) error {
	progresses, err := e.Repo.StageProgresses(ctx, workID)
	if err != nil {
		return err
	}
	if len(progresses) == 0 {
		return nil
	}
	sum := 0
	for _, p := range progresses {
		sum += p
	}
	mean := float64(sum) / float64(len(progresses))
	rounded := int(math.Round(mean))
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.SetWorkProgress(ctx, workID, rounded, now)
}

// StageSchemaReport pairs the declared structured-data fields of a stage
// with the required keys its current data does not yet carry. Required
// fields are advisory: writes are never rejected for missing keys.
type StageSchemaReport struct {
	Fields          []config.StageField `json:"fields"`
	MissingRequired []string            `json:"missing_required"`
}

func (e Engine) StageSchema(ctx context.Context, stageID string) (StageSchemaReport, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return StageSchemaReport{}, err
	}
	report := StageSchemaReport{
		Fields:          e.Config.FieldsFor(s.Number),
		MissingRequired: []string{},
	}
	if report.Fields == nil {
		report.Fields = []config.StageField{}
	}
	for _, f := range report.Fields {
		if !f.Required {
			continue
		}
		if _, ok := s.Data[f.Key]; !ok {
			report.MissingRequired = append(report.MissingRequired, f.Key)
		}
	}
	return report, nil
}

// WorkSummary is a read-model used by the report endpoint.
type WorkSummary struct {
	Work            domain.Work    `json:"work"`
	Stages          []domain.Stage `json:"stages"`
	AttachmentCount int            `json:"attachment_count"`
}

// Summary assembles the work report and records a read-type audit entry.
func (e Engine) Summary(ctx context.Context, workID string, actor Actor) (WorkSummary, error) {
	w, stages, err := e.GetWork(ctx, workID)
	if err != nil {
		return WorkSummary{}, err
	}
	count, err := e.Repo.CountAttachmentsByWork(ctx, workID)
	if err != nil {
		return WorkSummary{}, err
	}
	e.Audit.Record(ctx, audit.Entry{
		Action:     audit.ActionRead,
		EntityType: audit.EntityReport,
		EntityID:   workID,
		ActorID:    actor.ID,
		WorkID:     workID,
	})
	return WorkSummary{Work: w, Stages: stages, AttachmentCount: count}, nil
}

// AuditTrail returns a page of audit records for a scope filter, newest
// first, plus the total match count.
func (e Engine) AuditTrail(ctx context.Context, f repo.AuditFilters) ([]domain.AuditRecord, int, error) {
	return e.Repo.ListAuditRecords(ctx, f)
}

func (e Engine) ListAttachments(ctx context.Context, f repo.AttachmentFilters) ([]domain.Attachment, error) {
	return e.Repo.ListAttachments(ctx, f)
}

type fieldDiff struct {
	Field  string
	Before any
	After  any
}

// recordFieldDiffs appends one audit record per changed field.
func (e Engine) recordFieldDiffs(ctx context.Context, actor Actor, entityType, entityID, workID, stageID string, diffs []fieldDiff) {
	for _, d := range diffs {
		if equalJSONish(d.Before, d.After) {
			continue
		}
		e.Audit.Record(ctx, audit.Entry{
			Action:     audit.ActionUpdate,
			EntityType: entityType,
			EntityID:   entityID,
			ActorID:    actor.ID,
			WorkID:     workID,
			StageID:    stageID,
			Field:      d.Field,
			Before:     d.Before,
			After:      d.After,
		})
	}
}

func equalJSONish(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
