package domain

// Work is a construction project moving through a fixed audit sequence.
type Work struct {
	ID        string  `json:"id"`
	Number    string  `json:"number"`
	Name      string  `json:"name"`
	Year      int     `json:"year"`
	Month     int     `json:"month"`
	Notes     string  `json:"notes,omitempty"`
	Status    string  `json:"status" enum:"not_started,in_progress,closed"`
	Period    *string `json:"period,omitempty"`
	WorkType  *string `json:"work_type,omitempty" enum:"finished,in_progress"`
	Progress  int     `json:"progress"`
	CreatedBy string  `json:"created_by"`
	DeletedAt *string `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// Stage is one numbered step of a work's audit sequence. The stage set is
// fixed at work creation; only name/state/progress/checklist/data/notes and
// the assignee mutate afterwards.
type Stage struct {
	ID          string          `json:"id"`
	WorkID      string          `json:"work_id"`
	Number      int             `json:"number"`
	Name        string          `json:"name"`
	State       string          `json:"state" enum:"not_started,in_progress,in_review,approved"`
	Responsible string          `json:"responsible" enum:"engineering,finance,shared"`
	Progress    int             `json:"progress"`
	Checklist   []ChecklistItem `json:"checklist,omitempty"`
	Data        map[string]any  `json:"data,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	AssigneeID  *string         `json:"assignee_id,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

type ChecklistItem struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Done     bool   `json:"done"`
	Required bool   `json:"required"`
}

// Attachment is one version of a logical file scoped to a work and
// optionally one of its stages. PreviousID links to the immediately prior
// version; walking the chain ends in a version-1 node with no link.
type Attachment struct {
	ID               string  `json:"id"`
	WorkID           string  `json:"work_id"`
	StageID          *string `json:"stage_id,omitempty"`
	StoredName       string  `json:"stored_name"`
	OriginalFilename string  `json:"original_filename"`
	MediaType        string  `json:"media_type"`
	Size             int64   `json:"size"`
	Version          int     `json:"version"`
	PreviousID       *string `json:"previous_id,omitempty"`
	UploadedBy       string  `json:"uploaded_by"`
	DeletedAt        *string `json:"deleted_at,omitempty" format:"date-time"`
	DeletedBy        *string `json:"deleted_by,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// AuditRecord is one immutable entry of the audit trail.
type AuditRecord struct {
	ID           int64   `json:"id"`
	Action       string  `json:"action" enum:"create,update,delete,restore,upload,download,read"`
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

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
