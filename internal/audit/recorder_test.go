package audit

import (
	"bytes"
	"context"
	"log"
	"testing"

	"obratrack/internal/db"
	"obratrack/internal/migrate"
	"obratrack/internal/repo"
)

func TestRecordAppends(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	w := Writer{Repo: r}
	w.Record(context.Background(), Entry{
		Action:     ActionCreate,
		EntityType: EntityWork,
		EntityID:   "w-1",
		ActorID:    "tester",
		WorkID:     "w-1",
		After:      map[string]string{"name": "obra"},
	})
	records, total, err := r.ListAuditRecords(context.Background(), repo.AuditFilters{WorkID: "w-1"})
	if err != nil || total != 1 {
		t.Fatalf("list: %v total=%d", err, total)
	}
	if records[0].After == nil || *records[0].After == "" {
		t.Fatal("after snapshot missing")
	}
}

func TestRecordSwallowsFailures(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.Close() // force the insert to fail

	var buf bytes.Buffer
	w := Writer{
		Repo:   repo.Repo{DB: conn},
		Logger: log.New(&buf, "", 0),
	}
	// must not panic or return; the failure only shows up in the log
	w.Record(context.Background(), Entry{
		Action:     ActionUpdate,
		EntityType: EntityStage,
		EntityID:   "s-1",
		ActorID:    "tester",
	})
	if buf.Len() == 0 {
		t.Fatal("failed append was not logged")
	}
}
