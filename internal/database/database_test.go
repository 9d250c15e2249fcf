package database

import (
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB points DB at a fresh in-memory database for the test.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	// Every pooled connection to :memory: would be a separate database.
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}

	prev := DB
	DB = db
	t.Cleanup(func() {
		DB = prev
		sqlDB.Close()
	})
	return db
}

func TestSettings(t *testing.T) {
	setupTestDB(t)

	if _, err := GetSetting("fernet_key"); err == nil {
		t.Fatal("GetSetting on empty table succeeded")
	}
	if err := SetSetting("fernet_key", "a"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := SetSetting("fernet_key", "b"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err := GetSetting("fernet_key")
	if err != nil || v != "b" {
		t.Errorf("GetSetting = %q, %v; want b", v, err)
	}
	if err := DeleteSetting("fernet_key"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := GetSetting("fernet_key"); err == nil {
		t.Error("setting still present after delete")
	}
}

func TestConnections(t *testing.T) {
	setupTestDB(t)

	for _, c := range []Connection{
		{ID: "c1", Name: "web-1", Host: "10.0.0.1", OwnerID: "alice"},
		{ID: "c2", Name: "db-1", Host: "10.0.0.2", OwnerID: "bob"},
		{ID: "c3", Name: "bastion", Host: "10.0.0.3", Protocol: "ssh"},
		{ID: "c4", Name: "desk", Host: "10.0.0.4", Protocol: "rdp", Width: 1920, Height: 1080},
	} {
		c := c
		if err := SaveConnection(&c); err != nil {
			t.Fatalf("SaveConnection %s: %v", c.ID, err)
		}
	}

	got, err := ListConnections("alice")
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	names := make([]string, len(got))
	for i, c := range got {
		names[i] = c.Name
	}
	want := []string{"bastion", "desk", "web-1"}
	if len(names) != len(want) {
		t.Fatalf("alice sees %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("alice sees %v, want %v", names, want)
			break
		}
	}

	all, _ := ListConnections("")
	if len(all) != 4 {
		t.Errorf("unfiltered list has %d rows, want 4", len(all))
	}

	c, err := GetConnectionByName("desk")
	if err != nil {
		t.Fatalf("GetConnectionByName: %v", err)
	}
	if c.Protocol != "rdp" || c.Width != 1920 {
		t.Errorf("desk = %+v", c)
	}

	c.Host = "10.0.0.40"
	if err := SaveConnection(c); err != nil {
		t.Fatalf("SaveConnection update: %v", err)
	}
	c, _ = GetConnection("c4")
	if c.Host != "10.0.0.40" {
		t.Errorf("Host = %q after update", c.Host)
	}

	if err := DeleteConnection("c4"); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	if _, err := GetConnection("c4"); err == nil {
		t.Error("connection still present after delete")
	}
}

func TestConnectionDefaults(t *testing.T) {
	setupTestDB(t)

	if err := SaveConnection(&Connection{ID: "c1", Name: "plain", Host: "h"}); err != nil {
		t.Fatal(err)
	}
	c, err := GetConnection("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Protocol != "ssh" {
		t.Errorf("Protocol default = %q, want ssh", c.Protocol)
	}
	if c.Params != "{}" {
		t.Errorf("Params default = %q, want {}", c.Params)
	}
}

func TestMigrateExistingDB(t *testing.T) {
	// A database created before display settings existed gains the new
	// columns without losing rows.
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	db1, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db phase 1: %v", err)
	}
	sqlDB1, _ := db1.DB()
	if _, err := sqlDB1.Exec(`CREATE TABLE connections (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		protocol TEXT NOT NULL DEFAULT 'ssh',
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		username TEXT,
		password TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if _, err := sqlDB1.Exec(`INSERT INTO connections (id, name, host) VALUES ('old', 'legacy', '10.1.1.1')`); err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
	sqlDB1.Close()

	db2, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db phase 2: %v", err)
	}
	defer func() {
		sqlDB2, _ := db2.DB()
		sqlDB2.Close()
	}()
	if err := Migrate(db2); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var loaded Connection
	if err := db2.Where("id = ?", "old").First(&loaded).Error; err != nil {
		t.Fatalf("load legacy row: %v", err)
	}
	if loaded.Host != "10.1.1.1" || loaded.Width != 0 {
		t.Errorf("legacy row = %+v", loaded)
	}
	if !db2.Migrator().HasTable(&SessionEvent{}) {
		t.Error("session_events table not created")
	}
}
