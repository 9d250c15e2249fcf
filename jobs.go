package main

import (
	"fmt"
	"log"

	"github.com/DEVXIX/dev-ssh-sub000/internal/audit"
	"github.com/robfig/cron/v3"
)

const auditPurgeSchedule = "@daily"

// purgeAuditEvents drops session events past the auditor's retention period.
func purgeAuditEvents(a *audit.Auditor) {
	n, err := a.PurgeOlderThan(0)
	if err != nil {
		log.Printf("[audit] scheduled purge failed: %v", err)
		return
	}
	log.Printf("[audit] scheduled purge removed %d events (retention %d days)", n, a.RetentionDays())
}

// startAuditPurge runs purgeAuditEvents once and then on schedule.
func startAuditPurge(a *audit.Auditor, schedule string) (*cron.Cron, error) {
	purgeAuditEvents(a)
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { purgeAuditEvents(a) }); err != nil {
		return nil, fmt.Errorf("schedule audit purge: %w", err)
	}
	c.Start()
	return c, nil
}
