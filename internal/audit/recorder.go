// Package audit appends immutable trail records after successful mutations.
// Appends are best-effort: a failed write is logged and swallowed so the
// triggering operation never fails or rolls back because of it.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"obratrack/internal/domain"
	"obratrack/internal/repo"
)

// Actions.
const (
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionRestore  = "restore"
	ActionUpload   = "upload"
	ActionDownload = "download"
	ActionRead     = "read"
)

// Entity types.
const (
	EntityWork       = "work"
	EntityStage      = "stage"
	EntityAttachment = "attachment"
	EntityReport     = "report"
)

// Entry describes one state change to record.
type Entry struct {
	Action       string
	EntityType   string
	EntityID     string
	ActorID      string
	WorkID       string
	StageID      string
	AttachmentID string
	Field        string
	Before       any
	After        any
}

// Recorder is the injected collaborator call sites depend on; tests
// substitute a capturing fake.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Writer appends entries to the audit_records table.
type Writer struct {
	Repo   repo.Repo
	Logger *log.Logger
	Now    func() time.Time
}

func (w Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) Record(ctx context.Context, e Entry) {
	rec := domain.AuditRecord{
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		TS:         w.now().UTC().Format(time.RFC3339Nano),
	}
	if e.WorkID != "" {
		rec.WorkID = &e.WorkID
	}
	if e.StageID != "" {
		rec.StageID = &e.StageID
	}
	if e.AttachmentID != "" {
		rec.AttachmentID = &e.AttachmentID
	}
	if e.Field != "" {
		rec.Field = &e.Field
	}
	rec.Before = snapshot(e.Before)
	rec.After = snapshot(e.After)
	if err := w.Repo.InsertAuditRecord(ctx, rec); err != nil {
		w.logger().Printf("audit: append failed (action=%s entity=%s/%s): %v", e.Action, e.EntityType, e.EntityID, err)
	}
}

// snapshot serializes a before/after value losslessly enough to reconstruct
// it for display. nil stays nil.
func snapshot(v any) *string {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		s := "(unserializable)"
		return &s
	}
	s := string(b)
	return &s
}
