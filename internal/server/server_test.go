package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"obratrack/internal/config"
	"obratrack/internal/db"
	"obratrack/internal/engine"
	"obratrack/internal/migrate"
	"obratrack/internal/storage"
)

var (
	adminHeaders    = map[string]string{"X-Actor-Id": "admin-1", "X-Actor-Role": "admin"}
	financeHeaders  = map[string]string{"X-Actor-Id": "fin-1", "X-Actor-Role": "finance"}
	readonlyHeaders = map[string]string{"X-Actor-Id": "ro-1", "X-Actor-Role": "readonly"}
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	blobs, err := storage.NewDir(filepath.Join(workspace, ".obratrack", "blobs"))
	if err != nil {
		t.Fatalf("blob dir: %v", err)
	}
	e := engine.New(conn, config.Default(), blobs)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createWork(t *testing.T, srv *testServer, number string) WorkWithStagesResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/works", map[string]any{
		"number": number,
		"name":   "Obra " + number,
		"year":   2024,
		"month":  3,
		"period": "2022",
	}, adminHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create work status %d: %s", res.StatusCode, data)
	}
	var created WorkWithStagesResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal work: %v", err)
	}
	return created
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/works", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status %d", res.StatusCode)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestWorkLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createWork(t, srv, "OBR-001")
	if len(created.Stages) != 8 {
		t.Fatalf("stage count %d", len(created.Stages))
	}

	// duplicate number gets the 409 envelope
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/works", map[string]any{
		"number": "OBR-001", "name": "dup", "year": 2024, "month": 3, "period": "2022",
	}, adminHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "duplicate_number" {
		t.Fatalf("error envelope: %s", data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/works/"+created.Work.ID, map[string]any{
		"status": "in_progress",
	}, adminHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, data)
	}
	var updated WorkResponse
	if err := json.Unmarshal(data, &updated); err != nil || updated.Status != "in_progress" {
		t.Fatalf("patch result: %s", data)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/works/unknown-id", nil, adminHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing work status %d", res.StatusCode)
	}
}

func TestStagePermissionsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createWork(t, srv, "OBR-002")

	var engStage StageResponse
	for _, s := range created.Stages {
		if s.Responsible == "engineering" {
			engStage = s
			break
		}
	}
	if engStage.ID == "" {
		t.Fatal("no engineering stage in legacy set")
	}

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/stages/"+engStage.ID, map[string]any{
		"progress": 30,
	}, financeHeaders)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("finance on engineering stage status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "forbidden" {
		t.Fatalf("forbidden envelope: %s", data)
	}
	if envelope.Error.Details["role"] != "finance" || envelope.Error.Details["responsible"] != "engineering" {
		t.Fatalf("forbidden details: %v", envelope.Error.Details)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/stages/"+engStage.ID, map[string]any{
		"progress": 30,
		"state":    "in_progress",
	}, adminHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin patch status %d: %s", res.StatusCode, data)
	}
	var patched StageResponse
	if err := json.Unmarshal(data, &patched); err != nil || patched.Progress != 30 || patched.State != "in_progress" {
		t.Fatalf("patched stage: %s", data)
	}

	// the work aggregate moved with the stage write
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/works/"+created.Work.ID, nil, readonlyHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get work status %d", res.StatusCode)
	}
	var after WorkWithStagesResponse
	if err := json.Unmarshal(data, &after); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if after.Work.Progress != 4 { // round(30/8)
		t.Fatalf("aggregate progress = %d", after.Work.Progress)
	}
}

func TestAttachmentsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createWork(t, srv, "OBR-003")

	upload := func(content string) AttachmentResponse {
		t.Helper()
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "acta.pdf")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		part.Write([]byte(content))
		mw.WriteField("media_type", "application/pdf")
		mw.Close()
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/works/"+created.Work.ID+"/attachments", &buf)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		for k, v := range adminHeaders {
			req.Header.Set(k, v)
		}
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		defer res.Body.Close()
		data, _ := io.ReadAll(res.Body)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("upload status %d: %s", res.StatusCode, data)
		}
		var a AttachmentResponse
		if err := json.Unmarshal(data, &a); err != nil {
			t.Fatalf("unmarshal attachment: %v", err)
		}
		return a
	}

	v1 := upload("primera")
	v2 := upload("segunda")
	if v1.Version != 1 || v2.Version != 2 {
		t.Fatalf("versions %d,%d", v1.Version, v2.Version)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/attachments/"+v2.ID+"/versions", nil, readonlyHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("versions status %d", res.StatusCode)
	}
	var chain []AttachmentResponse
	if err := json.Unmarshal(data, &chain); err != nil || len(chain) != 2 || chain[0].ID != v2.ID {
		t.Fatalf("chain: %s", data)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/attachments/"+v1.ID+"/content", nil)
	for k, v := range readonlyHeaders {
		req.Header.Set(k, v)
	}
	res2, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer res2.Body.Close()
	body, _ := io.ReadAll(res2.Body)
	if res2.StatusCode != http.StatusOK || string(body) != "primera" {
		t.Fatalf("download status %d body %q", res2.StatusCode, body)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/audit?work_id="+created.Work.ID+"&action=upload", nil, adminHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d", res.StatusCode)
	}
	var trail AuditTrailResponse
	if err := json.Unmarshal(data, &trail); err != nil || trail.Total != 2 {
		t.Fatalf("upload trail: %s", data)
	}
}
