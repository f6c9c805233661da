package server

import (
	"obratrack/internal/domain"
)

// Request payloads

type CreateWorkRequest struct {
	Number   string  `json:"number"`
	Name     string  `json:"name"`
	Year     int     `json:"year"`
	Month    int     `json:"month"`
	Notes    *string `json:"notes,omitempty"`
	Status   *string `json:"status,omitempty" enum:"not_started,in_progress,closed"`
	Period   string  `json:"period"`
	WorkType *string `json:"work_type,omitempty" enum:"finished,in_progress"`
}

type UpdateWorkRequest struct {
	Number *string `json:"number,omitempty"`
	Name   *string `json:"name,omitempty"`
	Year   *int    `json:"year,omitempty"`
	Month  *int    `json:"month,omitempty"`
	Notes  *string `json:"notes,omitempty"`
	Status *string `json:"status,omitempty" enum:"not_started,in_progress,closed"`
}

type UpdateStageRequest struct {
	Name       *string                 `json:"name,omitempty"`
	State      *string                 `json:"state,omitempty" enum:"not_started,in_progress,in_review,approved"`
	Progress   *int                    `json:"progress,omitempty" minimum:"0" maximum:"100"`
	Checklist  *[]domain.ChecklistItem `json:"checklist,omitempty"`
	Data       *map[string]any         `json:"data,omitempty"`
	Notes      *string                 `json:"notes,omitempty"`
	AssigneeID *string                 `json:"assignee_id,omitempty"`
}

// Response payloads

type WorkResponse struct {
	ID        string  `json:"id"`
	Number    string  `json:"number"`
	Name      string  `json:"name"`
	Year      int     `json:"year"`
	Month     int     `json:"month"`
	Notes     string  `json:"notes,omitempty"`
	Status    string  `json:"status" enum:"not_started,in_progress,closed"`
	Period    *string `json:"period,omitempty"`
	WorkType  *string `json:"work_type,omitempty"`
	Progress  int     `json:"progress"`
	CreatedBy string  `json:"created_by"`
	DeletedAt *string `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type StageResponse struct {
	ID          string                 `json:"id"`
	WorkID      string                 `json:"work_id"`
	Number      int                    `json:"number"`
	Name        string                 `json:"name"`
	State       string                 `json:"state" enum:"not_started,in_progress,in_review,approved"`
	Responsible string                 `json:"responsible" enum:"engineering,finance,shared"`
	Progress    int                    `json:"progress"`
	Checklist   []domain.ChecklistItem `json:"checklist,omitempty"`
	Data        map[string]any         `json:"data,omitempty"`
	Notes       string                 `json:"notes,omitempty"`
	AssigneeID  *string                `json:"assignee_id,omitempty"`
	UpdatedAt   string                 `json:"updated_at" format:"date-time"`
}

type WorkWithStagesResponse struct {
	Work   WorkResponse    `json:"work"`
	Stages []StageResponse `json:"stages"`
}

type AttachmentResponse struct {
	ID               string  `json:"id"`
	WorkID           string  `json:"work_id"`
	StageID          *string `json:"stage_id,omitempty"`
	OriginalFilename string  `json:"original_filename"`
	MediaType        string  `json:"media_type"`
	Size             int64   `json:"size"`
	Version          int     `json:"version"`
	PreviousID       *string `json:"previous_id,omitempty"`
	UploadedBy       string  `json:"uploaded_by"`
	DeletedAt        *string `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type AuditRecordResponse struct {
	ID           int64   `json:"id"`
	Action       string  `json:"action"`
	EntityType   string  `json:"entity_type"`
	EntityID     string  `json:"entity_id"`
	ActorID      string  `json:"actor_id"`
	WorkID       *string `json:"work_id,omitempty"`
	StageID      *string `json:"stage_id,omitempty"`
	AttachmentID *string `json:"attachment_id,omitempty"`
	Field        *string `json:"field,omitempty"`
	Before       *string `json:"before,omitempty"`
	After        *string `json:"after,omitempty"`
	TS           string  `json:"ts" format:"date-time"`
}

type AuditTrailResponse struct {
	Records []AuditRecordResponse `json:"records"`
	Page    int                   `json:"page"`
	Limit   int                   `json:"limit"`
	Total   int                   `json:"total"`
}

// Mapping helpers

func workResponse(w domain.Work) WorkResponse {
	return WorkResponse{
		ID:        w.ID,
		Number:    w.Number,
		Name:      w.Name,
		Year:      w.Year,
		Month:     w.Month,
		Notes:     w.Notes,
		Status:    w.Status,
		Period:    w.Period,
		WorkType:  w.WorkType,
		Progress:  w.Progress,
		CreatedBy: w.CreatedBy,
		DeletedAt: w.DeletedAt,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func mapWorks(items []domain.Work) []WorkResponse {
	res := make([]WorkResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workResponse(w))
	}
	return res
}

func stageResponse(s domain.Stage) StageResponse {
	return StageResponse{
		ID:          s.ID,
		WorkID:      s.WorkID,
		Number:      s.Number,
		Name:        s.Name,
		State:       s.State,
		Responsible: s.Responsible,
		Progress:    s.Progress,
		Checklist:   s.Checklist,
		Data:        s.Data,
		Notes:       s.Notes,
		AssigneeID:  s.AssigneeID,
		UpdatedAt:   s.UpdatedAt,
	}
}

func mapStages(items []domain.Stage) []StageResponse {
	res := make([]StageResponse, 0, len(items))
	for _, s := range items {
		res = append(res, stageResponse(s))
	}
	return res
}

func attachmentResponse(a domain.Attachment) AttachmentResponse {
	return AttachmentResponse{
		ID:               a.ID,
		WorkID:           a.WorkID,
		StageID:          a.StageID,
		OriginalFilename: a.OriginalFilename,
		MediaType:        a.MediaType,
		Size:             a.Size,
		Version:          a.Version,
		PreviousID:       a.PreviousID,
		UploadedBy:       a.UploadedBy,
		DeletedAt:        a.DeletedAt,
		CreatedAt:        a.CreatedAt,
	}
}

func mapAttachments(items []domain.Attachment) []AttachmentResponse {
	res := make([]AttachmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, attachmentResponse(a))
	}
	return res
}

func auditRecordResponse(rec domain.AuditRecord) AuditRecordResponse {
	return AuditRecordResponse{
		ID:           rec.ID,
		Action:       rec.Action,
		EntityType:   rec.EntityType,
		EntityID:     rec.EntityID,
		ActorID:      rec.ActorID,
		WorkID:       rec.WorkID,
		StageID:      rec.StageID,
		AttachmentID: rec.AttachmentID,
		Field:        rec.Field,
		Before:       rec.Before,
		After:        rec.After,
		TS:           rec.TS,
	}
}

func mapAuditRecords(items []domain.AuditRecord) []AuditRecordResponse {
	res := make([]AuditRecordResponse, 0, len(items))
	for _, rec := range items {
		res = append(res, auditRecordResponse(rec))
	}
	return res
}
