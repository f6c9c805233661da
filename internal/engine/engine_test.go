package engine_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"obratrack/internal/access"
	"obratrack/internal/audit"
	"obratrack/internal/catalog"
	"obratrack/internal/config"
	"obratrack/internal/db"
	"obratrack/internal/domain"
	"obratrack/internal/engine"
	"obratrack/internal/migrate"
	"obratrack/internal/repo"
	"obratrack/internal/storage"
)

var (
	admin       = engine.Actor{ID: "admin-1", Role: access.RoleAdmin}
	engineer    = engine.Actor{ID: "eng-1", Role: access.RoleEngineering}
	accountant  = engine.Actor{ID: "fin-1", Role: access.RoleFinance}
	spectator   = engine.Actor{ID: "ro-1", Role: access.RoleReadOnly}
	fixedNow    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	textPayload = "expediente de prueba"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	blobs, err := storage.NewDir(filepath.Join(dir, ".obratrack", "blobs"))
	if err != nil {
		t.Fatalf("blob dir: %v", err)
	}
	cfg := config.Default()
	cfg.Uploads.MediaTypes = nil // accept anything in tests unless set
	eng := engine.New(conn, cfg, blobs)
	eng.Now = func() time.Time { return fixedNow }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustCreateWork(t *testing.T, env testEnv, number, period, workType string) (domain.Work, []domain.Stage) {
	t.Helper()
	w, stages, err := env.Engine.CreateWork(env.Ctx, engine.WorkCreateOptions{
		Number:   number,
		Name:     "Obra " + number,
		Year:     2024,
		Month:    3,
		Period:   period,
		WorkType: workType,
	}, admin)
	if err != nil {
		t.Fatalf("create work %s: %v", number, err)
	}
	return w, stages
}

func TestCreateWorkMaterializesLegacyStages(t *testing.T) {
	env := newTestEnv(t)
	w, stages, err := env.Engine.CreateWork(env.Ctx, engine.WorkCreateOptions{
		Number: "OBR-001",
		Name:   "Puente norte",
		Year:   2022,
		Month:  6,
		Period: "2022",
	}, admin)
	if err != nil {
		t.Fatalf("create work: %v", err)
	}
	if len(stages) != 8 {
		t.Fatalf("expected 8 legacy stages, got %d", len(stages))
	}
	for i, s := range stages {
		if s.Number != i+1 {
			t.Fatalf("stage %d has number %d", i, s.Number)
		}
		if s.State != "not_started" || s.Progress != 0 {
			t.Fatalf("stage %d not initialized: state=%s progress=%d", i, s.State, s.Progress)
		}
		if s.WorkID != w.ID {
			t.Fatalf("stage %d belongs to %s, want %s", i, s.WorkID, w.ID)
		}
	}
	if w.Progress != 0 {
		t.Fatalf("new work progress = %d", w.Progress)
	}
	// the stage set must be readable back in order
	_, got, err := env.Engine.GetWork(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("get work: %v", err)
	}
	if len(got) != 8 {
		t.Fatalf("reread stages = %d", len(got))
	}
}

func TestCreateWorkPeriodValidation(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateWork(env.Ctx, engine.WorkCreateOptions{
		Number: "OBR-002", Name: "x", Year: 2024, Month: 1, Period: "1999",
	}, admin)
	var ipe catalog.InvalidPeriodError
	if !errors.As(err, &ipe) {
		t.Fatalf("expected invalid period error, got %v", err)
	}

	_, _, err = env.Engine.CreateWork(env.Ctx, engine.WorkCreateOptions{
		Number: "OBR-002", Name: "x", Year: 2024, Month: 1, Period: "2023",
	}, admin)
	var mwe catalog.MissingWorkTypeError
	if !errors.As(err, &mwe) {
		t.Fatalf("expected missing work type error, got %v", err)
	}

	_, stages, err := env.Engine.CreateWork(env.Ctx, engine.WorkCreateOptions{
		Number: "OBR-002", Name: "x", Year: 2024, Month: 1,
		Period: "2023", WorkType: catalog.WorkTypeFinished,
	}, admin)
	if err != nil {
		t.Fatalf("create 2023 work: %v", err)
	}
	if len(stages) != 4 {
		t.Fatalf("expected 4 stages for 2023/finished, got %d", len(stages))
	}
}

func TestDuplicateNumberAmongLiveWorks(t *testing.T) {
	env := newTestEnv(t)
	w, _ := mustCreateWork(t, env, "OBR-100", "2022", "")

	_, _, err := env.Engine.CreateWork(env.Ctx, engine.WorkCreateOptions{
		Number: "OBR-100", Name: "otro", Year: 2024, Month: 2, Period: "2022",
	}, admin)
	if !errors.Is(err, repo.ErrDuplicateNumber) {
		t.Fatalf("expected duplicate number, got %v", err)
	}

	// soft-deleted works release their number
	if err := env.Engine.SoftDeleteWork(env.Ctx, w.ID, admin); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, _, err := env.Engine.CreateWork(env.Ctx, engine.WorkCreateOptions{
		Number: "OBR-100", Name: "otro", Year: 2024, Month: 2, Period: "2022",
	}, admin); err != nil {
		t.Fatalf("reuse number after soft delete: %v", err)
	}
}

func TestStagePatchPartialUpdate(t *testing.T) {
	env := newTestEnv(t)
	_, stages := mustCreateWork(t, env, "OBR-200", "2023", catalog.WorkTypeInProgress)
	target := stages[0]

	notes := "visita realizada"
	progress := 40
	got, err := env.Engine.UpdateStage(env.Ctx, target.ID, engine.StagePatch{
		Notes:    &notes,
		Progress: &progress,
	}, admin)
	if err != nil {
		t.Fatalf("patch stage: %v", err)
	}
	if got.Notes != notes || got.Progress != 40 {
		t.Fatalf("patch not applied: notes=%q progress=%d", got.Notes, got.Progress)
	}
	// untouched fields survive
	if got.Name != target.Name || got.State != target.State || got.Responsible != target.Responsible {
		t.Fatalf("untouched fields changed: %+v", got)
	}

	bad := "finished"
	if _, err := env.Engine.UpdateStage(env.Ctx, target.ID, engine.StagePatch{State: &bad}, admin); err == nil {
		t.Fatal("expected invalid state error")
	}
	over := 101
	if _, err := env.Engine.UpdateStage(env.Ctx, target.ID, engine.StagePatch{Progress: &over}, admin); err == nil {
		t.Fatal("expected progress range error")
	}
}

func TestStagePatchAccessMatrix(t *testing.T) {
	env := newTestEnv(t)
	_, stages := mustCreateWork(t, env, "OBR-201", "2022", "")

	var engStage, finStage domain.Stage
	for _, s := range stages {
		switch s.Responsible {
		case access.TagEngineering:
			engStage = s
		case access.TagFinance:
			finStage = s
		}
	}
	if engStage.ID == "" || finStage.ID == "" {
		t.Fatal("legacy stage set misses an engineering or finance stage")
	}

	progress := 10
	if _, err := env.Engine.UpdateStage(env.Ctx, engStage.ID, engine.StagePatch{Progress: &progress}, engineer); err != nil {
		t.Fatalf("engineering on own stage: %v", err)
	}
	var fe access.ForbiddenError
	if _, err := env.Engine.UpdateStage(env.Ctx, engStage.ID, engine.StagePatch{Progress: &progress}, accountant); !errors.As(err, &fe) {
		t.Fatalf("finance on engineering stage: %v", err)
	}
	if fe.Role != access.RoleFinance || fe.Tag != access.TagEngineering {
		t.Fatalf("forbidden error details: %+v", fe)
	}
	if _, err := env.Engine.UpdateStage(env.Ctx, finStage.ID, engine.StagePatch{Progress: &progress}, spectator); !errors.As(err, &fe) {
		t.Fatalf("readonly on any stage: %v", err)
	}
}

func TestProgressAggregation(t *testing.T) {
	env := newTestEnv(t)
	w, stages := mustCreateWork(t, env, "OBR-300", "2023", catalog.WorkTypeFinished)
	if len(stages) != 4 {
		t.Fatalf("expected 4 stages, got %d", len(stages))
	}

	setProgress := func(stage domain.Stage, p int) {
		t.Helper()
		if _, err := env.Engine.UpdateStage(env.Ctx, stage.ID, engine.StagePatch{Progress: &p}, admin); err != nil {
			t.Fatalf("set stage %d progress: %v", stage.Number, err)
		}
	}
	workProgress := func() int {
		t.Helper()
		got, err := env.Engine.Repo.GetWork(env.Ctx, w.ID)
		if err != nil {
			t.Fatalf("get work: %v", err)
		}
		return got.Progress
	}

	setProgress(stages[0], 0)
	setProgress(stages[1], 50)
	setProgress(stages[2], 100)
	setProgress(stages[3], 50)
	if got := workProgress(); got != 50 {
		t.Fatalf("mean of [0,50,100,50] = %d, want 50", got)
	}

	// 1/4 = 0.25 rounds down
	setProgress(stages[1], 0)
	setProgress(stages[2], 1)
	setProgress(stages[3], 0)
	if got := workProgress(); got != 0 {
		t.Fatalf("mean of [0,0,1,0] = %d, want 0", got)
	}

	// 3/4 = 0.75 rounds up
	setProgress(stages[0], 1)
	setProgress(stages[1], 1)
	setProgress(stages[2], 1)
	setProgress(stages[3], 0)
	if got := workProgress(); got != 1 {
		t.Fatalf("mean of [1,1,1,0] = %d, want 1", got)
	}
}

func TestAttachmentVersionChain(t *testing.T) {
	env := newTestEnv(t)
	w, _ := mustCreateWork(t, env, "OBR-400", "2022", "")

	upload := func(content string) domain.Attachment {
		t.Helper()
		a, err := env.Engine.Upload(env.Ctx, engine.UploadOptions{
			WorkID:    w.ID,
			Filename:  "acta.pdf",
			MediaType: "application/pdf",
			Body:      strings.NewReader(content),
		}, engineer)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		return a
	}

	v1 := upload("uno")
	v2 := upload("dos")
	v3 := upload("tres")
	if v1.Version != 1 || v2.Version != 2 || v3.Version != 3 {
		t.Fatalf("versions = %d,%d,%d", v1.Version, v2.Version, v3.Version)
	}
	if v2.PreviousID == nil || *v2.PreviousID != v1.ID {
		t.Fatal("v2 does not link v1")
	}
	if v3.PreviousID == nil || *v3.PreviousID != v2.ID {
		t.Fatal("v3 does not link v2")
	}

	chain, err := env.Engine.ListVersions(env.Ctx, v3.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(chain) != 3 || chain[0].ID != v3.ID || chain[1].ID != v2.ID || chain[2].ID != v1.ID {
		t.Fatalf("chain order wrong: %+v", chain)
	}

	// each version keeps its own bytes
	_, rc, err := env.Engine.Download(env.Ctx, v1.ID, admin)
	if err != nil {
		t.Fatalf("download v1: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "uno" {
		t.Fatalf("v1 content = %q", data)
	}
}

func TestUploadAfterSoftDeletingHead(t *testing.T) {
	env := newTestEnv(t)
	w, _ := mustCreateWork(t, env, "OBR-402", "2022", "")

	upload := func(content string) domain.Attachment {
		t.Helper()
		a, err := env.Engine.Upload(env.Ctx, engine.UploadOptions{
			WorkID:    w.ID,
			Filename:  "presupuesto.pdf",
			MediaType: "application/pdf",
			Body:      strings.NewReader(content),
		}, engineer)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		return a
	}

	v1 := upload("uno")
	v2 := upload("dos")
	if err := env.Engine.SoftDeleteAttachment(env.Ctx, v2.ID, engineer); err != nil {
		t.Fatalf("soft delete head: %v", err)
	}

	// The trashed head still occupies version 2, so the next upload
	// must take 3 rather than collide with it.
	v3 := upload("tres")
	if v3.Version != 3 {
		t.Fatalf("version after trashing head = %d, want 3", v3.Version)
	}
	if v3.PreviousID == nil || *v3.PreviousID != v2.ID {
		t.Fatal("v3 does not link the trashed v2")
	}

	chain, err := env.Engine.ListVersions(env.Ctx, v3.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(chain) != 3 || chain[1].ID != v2.ID || chain[2].ID != v1.ID {
		t.Fatalf("chain after trashing head wrong: %+v", chain)
	}
	if chain[1].DeletedAt == nil {
		t.Fatal("v2 lost its trash marker")
	}
}

func TestUploadLimits(t *testing.T) {
	env := newTestEnv(t)
	w, _ := mustCreateWork(t, env, "OBR-401", "2022", "")

	env.Engine.Config.Uploads.MaxBytes = 8
	_, err := env.Engine.Upload(env.Ctx, engine.UploadOptions{
		WorkID: w.ID, Filename: "big.bin", MediaType: "application/octet-stream",
		Body: strings.NewReader("123456789"),
	}, admin)
	var tle engine.TooLargeError
	if !errors.As(err, &tle) {
		t.Fatalf("expected size limit error, got %v", err)
	}

	env.Engine.Config.Uploads.MaxBytes = 1 << 20
	env.Engine.Config.Uploads.MediaTypes = []string{"application/pdf"}
	_, err = env.Engine.Upload(env.Ctx, engine.UploadOptions{
		WorkID: w.ID, Filename: "x.exe", MediaType: "application/x-msdownload",
		Body: strings.NewReader("MZ"),
	}, admin)
	var ute engine.UnsupportedTypeError
	if !errors.As(err, &ute) {
		t.Fatalf("expected media type error, got %v", err)
	}

	// readonly actors cannot upload even at work scope
	env.Engine.Config.Uploads.MediaTypes = nil
	_, err = env.Engine.Upload(env.Ctx, engine.UploadOptions{
		WorkID: w.ID, Filename: "nota.txt", MediaType: "text/plain",
		Body: strings.NewReader(textPayload),
	}, spectator)
	var fe access.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestSoftDeleteRestoreWork(t *testing.T) {
	env := newTestEnv(t)
	w, _ := mustCreateWork(t, env, "OBR-500", "2022", "")

	if err := env.Engine.SoftDeleteWork(env.Ctx, w.ID, engineer); err == nil {
		t.Fatal("non-admin soft delete must fail")
	}
	if err := env.Engine.SoftDeleteWork(env.Ctx, w.ID, admin); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	live, err := env.Engine.ListWorks(env.Ctx, repo.WorkFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("deleted work still listed: %d", len(live))
	}
	trash, err := env.Engine.ListWorks(env.Ctx, repo.WorkFilters{Trash: true})
	if err != nil {
		t.Fatalf("list trash: %v", err)
	}
	if len(trash) != 1 || trash[0].ID != w.ID {
		t.Fatalf("trash listing wrong: %+v", trash)
	}

	name := "renamed"
	if _, err := env.Engine.UpdateWork(env.Ctx, w.ID, engine.WorkUpdateOptions{Name: &name}, admin); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("update of deleted work: %v", err)
	}

	// Stages stay editable while their parent sits in the trash.
	stages, err := env.Engine.Repo.ListStagesByWork(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("stages of trashed work: %v", err)
	}
	p := 40
	s, err := env.Engine.UpdateStage(env.Ctx, stages[0].ID, engine.StagePatch{Progress: &p}, admin)
	if err != nil {
		t.Fatalf("stage patch under trashed work: %v", err)
	}
	if s.Progress != 40 {
		t.Fatalf("stage progress = %d, want 40", s.Progress)
	}

	if err := env.Engine.RestoreWork(env.Ctx, w.ID, admin); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := env.Engine.UpdateWork(env.Ctx, w.ID, engine.WorkUpdateOptions{Name: &name}, admin); err != nil {
		t.Fatalf("update after restore: %v", err)
	}
}

func TestPermanentDeleteWork(t *testing.T) {
	env := newTestEnv(t)
	w, _ := mustCreateWork(t, env, "OBR-501", "2022", "")
	if _, err := env.Engine.Upload(env.Ctx, engine.UploadOptions{
		WorkID: w.ID, Filename: "adjunto.txt", MediaType: "text/plain",
		Body: strings.NewReader(textPayload),
	}, admin); err != nil {
		t.Fatalf("upload: %v", err)
	}

	if err := env.Engine.PermanentDeleteWork(env.Ctx, w.ID, engineer); err == nil {
		t.Fatal("non-admin purge must fail")
	}
	if err := env.Engine.PermanentDeleteWork(env.Ctx, w.ID, admin); err == nil {
		t.Fatal("purge of a live work must fail")
	}
	if err := env.Engine.SoftDeleteWork(env.Ctx, w.ID, admin); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := env.Engine.PermanentDeleteWork(env.Ctx, w.ID, admin); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := env.Engine.Repo.GetWork(env.Ctx, w.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("work still present: %v", err)
	}
	stages, err := env.Engine.Repo.ListStagesByWork(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	if len(stages) != 0 {
		t.Fatalf("orphan stages remain: %d", len(stages))
	}
}

func TestLegacyNullPeriodFiltering(t *testing.T) {
	env := newTestEnv(t)
	mustCreateWork(t, env, "OBR-600", "2022", "")
	mustCreateWork(t, env, "OBR-601", "2023", catalog.WorkTypeFinished)

	// rows predating the period column carry NULL there
	_, err := env.Engine.DB.ExecContext(env.Ctx, `INSERT INTO works(id,number,name,year,month,notes,status,period,work_type,progress,created_by,created_at,updated_at)
	VALUES ('legacy-1','OBR-OLD','antigua',2021,5,'','closed',NULL,NULL,100,'importer','2021-05-01T00:00:00Z','2021-05-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}

	got, err := env.Engine.ListWorks(env.Ctx, repo.WorkFilters{Period: "2022"})
	if err != nil {
		t.Fatalf("list 2022: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("2022 filter should include the NULL-period row: got %d", len(got))
	}

	got, err = env.Engine.ListWorks(env.Ctx, repo.WorkFilters{Period: "2023"})
	if err != nil {
		t.Fatalf("list 2023: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("2023 filter matched %d works", len(got))
	}
}

func TestAuditTrailGrowsAndKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	clock := fixedNow
	env.Engine.Audit = audit.Writer{Repo: env.Engine.Repo, Now: func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}}
	w, stages := mustCreateWork(t, env, "OBR-700", "2022", "")

	for i := 1; i <= 10; i++ {
		p := i * 10
		if _, err := env.Engine.UpdateStage(env.Ctx, stages[0].ID, engine.StagePatch{Progress: &p}, admin); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	records, total, err := env.Engine.AuditTrail(env.Ctx, repo.AuditFilters{WorkID: w.ID})
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if total < 11 { // the create plus ten updates
		t.Fatalf("total = %d", total)
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].ID <= records[i].ID {
			t.Fatalf("records not newest-first at %d", i)
		}
		newer, err := time.Parse(time.RFC3339Nano, records[i-1].TS)
		if err != nil {
			t.Fatalf("parse ts %q: %v", records[i-1].TS, err)
		}
		older, err := time.Parse(time.RFC3339Nano, records[i].TS)
		if err != nil {
			t.Fatalf("parse ts %q: %v", records[i].TS, err)
		}
		if !newer.After(older) {
			t.Fatalf("timestamps not strictly increasing: %q then %q", records[i].TS, records[i-1].TS)
		}
	}

	first := records[len(records)-1]
	// more activity must not rewrite earlier entries
	p := 55
	if _, err := env.Engine.UpdateStage(env.Ctx, stages[0].ID, engine.StagePatch{Progress: &p}, admin); err != nil {
		t.Fatalf("extra update: %v", err)
	}
	again, _, err := env.Engine.AuditTrail(env.Ctx, repo.AuditFilters{WorkID: w.ID})
	if err != nil {
		t.Fatalf("trail again: %v", err)
	}
	keptFirst := again[len(again)-1]
	if keptFirst.ID != first.ID || keptFirst.Action != first.Action || keptFirst.TS != first.TS {
		t.Fatalf("earliest record changed: %+v vs %+v", keptFirst, first)
	}
}

func TestWorkSummaryCountsAndRecordsRead(t *testing.T) {
	env := newTestEnv(t)
	w, _ := mustCreateWork(t, env, "OBR-800", "2023", catalog.WorkTypeFinished)
	if _, err := env.Engine.Upload(env.Ctx, engine.UploadOptions{
		WorkID: w.ID, Filename: "foto.png", MediaType: "image/png",
		Body: strings.NewReader("png"),
	}, admin); err != nil {
		t.Fatalf("upload: %v", err)
	}

	s, err := env.Engine.Summary(env.Ctx, w.ID, spectator)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.AttachmentCount != 1 || len(s.Stages) != 4 {
		t.Fatalf("summary shape: attachments=%d stages=%d", s.AttachmentCount, len(s.Stages))
	}

	records, _, err := env.Engine.AuditTrail(env.Ctx, repo.AuditFilters{WorkID: w.ID, Action: "read"})
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(records) != 1 || records[0].ActorID != spectator.ID {
		t.Fatalf("summary read not recorded: %+v", records)
	}
}

func TestStageSchemaReportsMissingRequired(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.StageData = map[int][]config.StageField{
		1: {
			{Key: "budget_code", Type: "string", Required: true},
			{Key: "contractor", Type: "string", Required: false},
		},
	}
	_, stages := mustCreateWork(t, env, "OBR-800", "2022", "")

	report, err := env.Engine.StageSchema(env.Ctx, stages[0].ID)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if len(report.Fields) != 2 {
		t.Fatalf("fields = %d, want 2", len(report.Fields))
	}
	if len(report.MissingRequired) != 1 || report.MissingRequired[0] != "budget_code" {
		t.Fatalf("missing = %v, want [budget_code]", report.MissingRequired)
	}

	data := map[string]any{"budget_code": "B-77"}
	if _, err := env.Engine.UpdateStage(env.Ctx, stages[0].ID, engine.StagePatch{Data: &data}, admin); err != nil {
		t.Fatalf("patch data: %v", err)
	}
	report, err = env.Engine.StageSchema(env.Ctx, stages[0].ID)
	if err != nil {
		t.Fatalf("schema after patch: %v", err)
	}
	if len(report.MissingRequired) != 0 {
		t.Fatalf("missing after patch = %v, want none", report.MissingRequired)
	}

	// Stages without a declared schema report an empty, non-nil shape.
	report, err = env.Engine.StageSchema(env.Ctx, stages[1].ID)
	if err != nil {
		t.Fatalf("schema for undeclared stage: %v", err)
	}
	if report.Fields == nil || len(report.Fields) != 0 || len(report.MissingRequired) != 0 {
		t.Fatalf("undeclared stage report = %+v, want empty", report)
	}
}
