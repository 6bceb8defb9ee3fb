package db

import (
	"log"
	"time"

	"gorm.io/gorm"
)

// runRetentionOnce performs a single pass of retention cleanup, deleting
// events that occurred before the retention window.
func runRetentionOnce(db *gorm.DB, retentionDays int) error {
	cutoff := time.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	return db.Where("occurred < ?", cutoff).Delete(&Event{}).Error
}

// StartRetentionWorker launches a background goroutine that runs the
// retention cleanup once at startup and then once per day. A retention
// of 0 days keeps events forever and starts no worker.
func StartRetentionWorker(db *gorm.DB, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	go func() {
		if err := runRetentionOnce(db, retentionDays); err != nil {
			log.Printf("retention cleanup error (startup): %v", err)
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			if err := runRetentionOnce(db, retentionDays); err != nil {
				log.Printf("retention cleanup error: %v", err)
			}
		}
	}()
}
