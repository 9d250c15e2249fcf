package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/DEVXIX/dev-ssh-sub000/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// Migrate creates or updates every table the gateway uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Connection{}, &Setting{}, &SessionEvent{})
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// Connection helpers

func GetConnection(id string) (*Connection, error) {
	var c Connection
	if err := DB.Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func GetConnectionByName(name string) (*Connection, error) {
	var c Connection
	if err := DB.Where("name = ?", name).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConnections returns the connections visible to owner: its own plus
// shared ones. An empty owner lists everything.
func ListConnections(owner string) ([]Connection, error) {
	var conns []Connection
	q := DB.Order("name")
	if owner != "" {
		q = q.Where("owner_id = ? OR owner_id = ''", owner)
	}
	if err := q.Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

// SaveConnection inserts c or replaces the row with the same id.
func SaveConnection(c *Connection) error {
	return DB.Save(c).Error
}

func DeleteConnection(id string) error {
	return DB.Where("id = ?", id).Delete(&Connection{}).Error
}
