package obratracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Obratrack HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Work represents the API work model.
type Work struct {
	ID       string  `json:"id"`
	Number   string  `json:"number"`
	Name     string  `json:"name"`
	Year     int     `json:"year"`
	Month    int     `json:"month"`
	Notes    string  `json:"notes,omitempty"`
	Status   string  `json:"status"`
	Period   *string `json:"period,omitempty"`
	WorkType *string `json:"work_type,omitempty"`
	Progress int     `json:"progress"`
}

// Stage represents one audit step of a work.
type Stage struct {
	ID          string         `json:"id"`
	WorkID      string         `json:"work_id"`
	Number      int            `json:"number"`
	Name        string         `json:"name"`
	State       string         `json:"state"`
	Responsible string         `json:"responsible"`
	Progress    int            `json:"progress"`
	Data        map[string]any `json:"data,omitempty"`
	Notes       string         `json:"notes,omitempty"`
}

// WorkWithStages pairs a work with its ordered stage set.
type WorkWithStages struct {
	Work   Work    `json:"work"`
	Stages []Stage `json:"stages"`
}

// Attachment represents one stored file version.
type Attachment struct {
	ID               string  `json:"id"`
	WorkID           string  `json:"work_id"`
	StageID          *string `json:"stage_id,omitempty"`
	OriginalFilename string  `json:"original_filename"`
	MediaType        string  `json:"media_type"`
	Size             int64   `json:"size"`
	Version          int     `json:"version"`
	UploadedBy       string  `json:"uploaded_by"`
	CreatedAt        string  `json:"created_at"`
}

// AuditRecord represents one audit trail entry.
type AuditRecord struct {
	ID         int64   `json:"id"`
	Action     string  `json:"action"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	ActorID    string  `json:"actor_id"`
	Field      *string `json:"field,omitempty"`
	TS         string  `json:"ts"`
}

// AuditPage wraps a page of audit records.
type AuditPage struct {
	Records []AuditRecord `json:"records"`
	Page    int           `json:"page"`
	Limit   int           `json:"limit"`
	Total   int           `json:"total"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWork creates a work; the server materializes its stage set.
func (c *Client) CreateWork(ctx context.Context, number, name, period string, year, month int, workType string) (WorkWithStages, error) {
	body := map[string]any{
		"number": number,
		"name":   name,
		"period": period,
		"year":   year,
		"month":  month,
	}
	if workType != "" {
		body["work_type"] = workType
	}
	var resp WorkWithStages
	err := c.do(ctx, http.MethodPost, "works", body, &resp)
	return resp, err
}

// GetWork fetches a work and its stages.
func (c *Client) GetWork(ctx context.Context, id string) (WorkWithStages, error) {
	var resp WorkWithStages
	err := c.do(ctx, http.MethodGet, "works/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListWorks lists works, optionally filtered by period.
func (c *Client) ListWorks(ctx context.Context, period string) ([]Work, error) {
	endpoint := "works"
	if period != "" {
		endpoint += "?period=" + url.QueryEscape(period)
	}
	var resp []Work
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateStage applies a partial patch to a stage.
func (c *Client) UpdateStage(ctx context.Context, stageID string, patch map[string]any) (Stage, error) {
	var resp Stage
	err := c.do(ctx, http.MethodPatch, "stages/"+url.PathEscape(stageID), patch, &resp)
	return resp, err
}

// Upload sends file content against a work, or a stage when stageID is set.
func (c *Client) Upload(ctx context.Context, workID, stageID, filename, mediaType string, content io.Reader) (Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Attachment{}, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return Attachment{}, err
	}
	if mediaType != "" {
		if err := mw.WriteField("media_type", mediaType); err != nil {
			return Attachment{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Attachment{}, err
	}
	endpoint := "works/" + url.PathEscape(workID) + "/attachments"
	if stageID != "" {
		endpoint += "?stage_id=" + url.QueryEscape(stageID)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return Attachment{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var resp Attachment
	err = c.send(req, &resp)
	return resp, err
}

// Versions returns the version chain of an attachment, newest first.
func (c *Client) Versions(ctx context.Context, attachmentID string) ([]Attachment, error) {
	var resp []Attachment
	err := c.do(ctx, http.MethodGet, "attachments/"+url.PathEscape(attachmentID)+"/versions", nil, &resp)
	return resp, err
}

// AuditTrail returns one page of the audit trail for a work.
func (c *Client) AuditTrail(ctx context.Context, workID string, page, limit int) (AuditPage, error) {
	endpoint := fmt.Sprintf("audit?work_id=%s", url.QueryEscape(workID))
	if page > 0 {
		endpoint += fmt.Sprintf("&page=%d", page)
	}
	if limit > 0 {
		endpoint += fmt.Sprintf("&limit=%d", limit)
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
