package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"obratrack/internal/access"
	"obratrack/internal/audit"
	"obratrack/internal/domain"
	"obratrack/internal/repo"
)

// TooLargeError indicates the upload exceeds the configured size limit.
type TooLargeError struct {
	Limit int64
}

func (e TooLargeError) Error() string {
	return fmt.Sprintf("file exceeds the %d-byte upload limit", e.Limit)
}

// UnsupportedTypeError indicates a media type outside the configured allow list.
type UnsupportedTypeError struct {
	MediaType string
}

func (e UnsupportedTypeError) Error() string {
	return fmt.Sprintf("media type %q is not accepted", e.MediaType)
}

// UploadOptions describe one attachment upload.
type UploadOptions struct {
	WorkID    string
	StageID   *string
	Filename  string
	MediaType string
	Body      io.Reader
}

const versionRetries = 3

// Upload stores the bytes and appends a new version to the logical file's
// chain. Version assignment is a check-then-insert; the unique lineage index
// turns a concurrent duplicate into a conflict we retry with a fresh read.
func (e Engine) Upload(ctx context.Context, opts UploadOptions, actor Actor) (domain.Attachment, error) {
	if opts.Filename == "" {
		return domain.Attachment{}, errors.New("filename is required")
	}
	if !e.mediaTypeAllowed(opts.MediaType) {
		return domain.Attachment{}, UnsupportedTypeError{MediaType: opts.MediaType}
	}
	w, err := e.Repo.GetWork(ctx, opts.WorkID)
	if err != nil {
		return domain.Attachment{}, err
	}
	if opts.StageID != nil {
		s, err := e.Repo.GetStage(ctx, *opts.StageID)
		if err != nil {
			return domain.Attachment{}, err
		}
		if s.WorkID != w.ID {
			return domain.Attachment{}, fmt.Errorf("stage %s does not belong to work %s", s.ID, w.ID)
		}
		if !access.CanModify(actor.Role, s.Responsible) {
			return domain.Attachment{}, access.ForbiddenError{Role: actor.Role, Tag: s.Responsible}
		}
	} else if actor.Role == access.RoleReadOnly {
		return domain.Attachment{}, access.ForbiddenError{Role: actor.Role}
	}

	limit := e.Config.Uploads.MaxBytes
	data, err := io.ReadAll(io.LimitReader(opts.Body, limit+1))
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return domain.Attachment{}, TooLargeError{Limit: limit}
	}

	storedName := uuid.New().String() + filepath.Ext(opts.Filename)
	size, err := e.Blobs.Put(ctx, storedName, bytes.NewReader(data))
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("store blob: %w", err)
	}

	var a domain.Attachment
	for attempt := 0; ; attempt++ {
		version := 1
		var previousID *string
		latest, err := e.Repo.LatestAttachmentVersion(ctx, w.ID, opts.StageID, opts.Filename)
		if err == nil {
			version = latest.Version + 1
			previousID = &latest.ID
		} else if !errors.Is(err, repo.ErrNotFound) {
			e.Blobs.Remove(ctx, storedName)
			return domain.Attachment{}, err
		}
		a = domain.Attachment{
			ID:               uuid.New().String(),
			WorkID:           w.ID,
			StageID:          opts.StageID,
			StoredName:       storedName,
			OriginalFilename: opts.Filename,
			MediaType:        opts.MediaType,
			Size:             size,
			Version:          version,
			PreviousID:       previousID,
			UploadedBy:       actor.ID,
			CreatedAt:        e.now().UTC().Format(time.RFC3339),
		}
		err = e.Repo.InsertAttachment(ctx, a)
		if err == nil {
			break
		}
		if errors.Is(err, repo.ErrVersionConflict) && attempt < versionRetries {
			continue
		}
		e.Blobs.Remove(ctx, storedName)
		return domain.Attachment{}, err
	}

	e.Audit.Record(ctx, audit.Entry{
		Action:       audit.ActionUpload,
		EntityType:   audit.EntityAttachment,
		EntityID:     a.ID,
		ActorID:      actor.ID,
		WorkID:       a.WorkID,
		StageID:      stringOr(opts.StageID),
		AttachmentID: a.ID,
		After:        a,
	})
	return a, nil
}

func (e Engine) mediaTypeAllowed(mediaType string) bool {
	types := e.Config.Uploads.MediaTypes
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == mediaType {
			return true
		}
	}
	return false
}

// ListVersions walks the back-reference chain from the given attachment and
// returns every node, most recent version first.
func (e Engine) ListVersions(ctx context.Context, id string) ([]domain.Attachment, error) {
	a, err := e.Repo.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := []domain.Attachment{a}
	seen := map[string]bool{a.ID: true}
	for a.PreviousID != nil {
		if seen[*a.PreviousID] {
			return nil, fmt.Errorf("version chain cycle at attachment %s", *a.PreviousID)
		}
		prev, err := e.Repo.GetAttachment(ctx, *a.PreviousID)
		if errors.Is(err, repo.ErrNotFound) {
			// A permanently deleted predecessor truncates the walk.
			break
		}
		if err != nil {
			return nil, err
		}
		seen[prev.ID] = true
		chain = append(chain, prev)
		a = prev
	}
	return chain, nil
}

func (e Engine) SoftDeleteAttachment(ctx context.Context, id string, actor Actor) error {
	a, err := e.Repo.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if a.DeletedAt != nil {
		return repo.ErrNotFound
	}
	if a.StageID != nil {
		s, err := e.Repo.GetStage(ctx, *a.StageID)
		if err != nil {
			return err
		}
		if !access.CanModify(actor.Role, s.Responsible) {
			return access.ForbiddenError{Role: actor.Role, Tag: s.Responsible}
		}
	} else if actor.Role == access.RoleReadOnly {
		return access.ForbiddenError{Role: actor.Role}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetAttachmentDeleted(ctx, id, &now, &actor.ID); err != nil {
		return err
	}
	e.Audit.Record(ctx, audit.Entry{
		Action:       audit.ActionDelete,
		EntityType:   audit.EntityAttachment,
		EntityID:     id,
		ActorID:      actor.ID,
		WorkID:       a.WorkID,
		AttachmentID: id,
	})
	return nil
}

func (e Engine) RestoreAttachment(ctx context.Context, id string, actor Actor) error {
	a, err := e.Repo.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if a.DeletedAt == nil {
		return nil
	}
	if err := e.Repo.SetAttachmentDeleted(ctx, id, nil, nil); err != nil {
		return err
	}
	e.Audit.Record(ctx, audit.Entry{
		Action:       audit.ActionRestore,
		EntityType:   audit.EntityAttachment,
		EntityID:     id,
		ActorID:      actor.ID,
		WorkID:       a.WorkID,
		AttachmentID: id,
	})
	return nil
}

// PermanentDeleteAttachment removes the blob and the metadata row. Admin
// only, and only for rows already in the trash.
func (e Engine) PermanentDeleteAttachment(ctx context.Context, id string, actor Actor) error {
	if actor.Role != access.RoleAdmin {
		return access.ForbiddenError{Role: actor.Role}
	}
	a, err := e.Repo.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if a.DeletedAt == nil {
		return errors.New("attachment must be soft-deleted before permanent deletion")
	}
	if e.Blobs != nil {
		if err := e.Blobs.Remove(ctx, a.StoredName); err != nil {
			return fmt.Errorf("remove blob: %w", err)
		}
	}
	if err := e.Repo.PermanentDeleteAttachment(ctx, id); err != nil {
		return err
	}
	e.Audit.Record(ctx, audit.Entry{
		Action:       audit.ActionDelete,
		EntityType:   audit.EntityAttachment,
		EntityID:     id,
		ActorID:      actor.ID,
		WorkID:       a.WorkID,
		AttachmentID: id,
		Before:       a,
	})
	return nil
}

// Download opens the blob for a live attachment and records the read.
func (e Engine) Download(ctx context.Context, id string, actor Actor) (domain.Attachment, io.ReadCloser, error) {
	a, err := e.Repo.GetAttachment(ctx, id)
	if err != nil {
		return a, nil, err
	}
	if a.DeletedAt != nil {
		return a, nil, repo.ErrNotFound
	}
	rc, err := e.Blobs.Open(ctx, a.StoredName)
	if err != nil {
		return a, nil, fmt.Errorf("open blob: %w", err)
	}
	e.Audit.Record(ctx, audit.Entry{
		Action:       audit.ActionDownload,
		EntityType:   audit.EntityAttachment,
		EntityID:     id,
		ActorID:      actor.ID,
		WorkID:       a.WorkID,
		AttachmentID: id,
	})
	return a, rc, nil
}

func stringOr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
