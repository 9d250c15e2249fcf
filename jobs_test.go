package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/audit"
	"github.com/DEVXIX/dev-ssh-sub000/internal/database"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDBMain(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "main.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})
	return db
}

func TestPurgeAuditEvents(t *testing.T) {
	db := setupTestDBMain(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	a := audit.NewAuditor(db, 30)
	a.SetNowFunc(func() time.Time { return now })

	a.Record(sessions.Event{Type: sessions.EventCreated, SessionID: "old", Time: now.AddDate(0, 0, -31)})
	a.Record(sessions.Event{Type: sessions.EventCreated, SessionID: "new", Time: now.AddDate(0, 0, -1)})

	purgeAuditEvents(a)

	res, err := a.Query(audit.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Entries[0].SessionID != "new" {
		t.Errorf("remaining events = %+v, want only new", res.Entries)
	}
}

func TestStartAuditPurge_BadSchedule(t *testing.T) {
	db := setupTestDBMain(t)
	if _, err := startAuditPurge(audit.NewAuditor(db, 30), "every now and then"); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStartAuditPurge(t *testing.T) {
	db := setupTestDBMain(t)
	c, err := startAuditPurge(audit.NewAuditor(db, 30), auditPurgeSchedule)
	if err != nil {
		t.Fatalf("startAuditPurge: %v", err)
	}
	defer c.Stop()
	if n := len(c.Entries()); n != 1 {
		t.Errorf("scheduled %d jobs, want 1", n)
	}
}
