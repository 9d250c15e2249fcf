// Package audit records session lifecycle events to the database.
//
// An [Auditor] is registered as a listener on the session registry. Every
// created, auth_failed, disconnected, destroyed and reaped event becomes a
// row in the session_events table and a log line. Rows older than the
// retention period are purged by a scheduled job.
package audit

import (
	"log"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/database"
	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"gorm.io/gorm"
)

// DefaultRetentionDays is the default number of days to keep session events.
const DefaultRetentionDays = 90

// Auditor writes session events to the database.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor that writes to db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Record stores ev. It matches sessions.EventListener.
func (a *Auditor) Record(ev sessions.Event) {
	record := database.SessionEvent{
		SessionID:    ev.SessionID,
		Type:         string(ev.Type),
		OwnerID:      ev.OwnerID,
		ConnectionID: ev.ConnectionID,
		Kind:         string(ev.Kind),
		Detail:       logutil.SanitizeForLog(ev.Detail),
		CreatedAt:    ev.Time,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = a.nowFn()
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write session event: %v", err)
		return
	}
	log.Printf("[audit] %s session=%s owner=%s connection=%s %s",
		ev.Type,
		ev.SessionID,
		logutil.SanitizeForLog(ev.OwnerID),
		logutil.SanitizeForLog(ev.ConnectionID),
		record.Detail,
	)
}

// QueryOptions specifies filters for retrieving session events.
type QueryOptions struct {
	SessionID string
	OwnerID   string
	Type      string
	Since     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains session events and pagination metadata.
type QueryResult struct {
	Entries []database.SessionEvent `json:"entries"`
	Total   int64                   `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// Query retrieves session events matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.SessionEvent{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.OwnerID != "" {
		tx = tx.Where("owner_id = ?", opts.OwnerID)
	}
	if opts.Type != "" {
		tx = tx.Where("type = ?", opts.Type)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.SessionEvent
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes events older than days, or the retention period
// when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionEvent{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d session events older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
