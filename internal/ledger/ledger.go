// Package ledger is the durable at-most-once guard for inbound Matrix
// events. The homeserver may redeliver events after a reconnect or when the
// sync cursor lags behind, and the membership handlers are not idempotent
// (a re-run would resend notices), so processed event ids are recorded in
// the database rather than in memory.
package ledger

import (
	"strings"

	"gorm.io/gorm"

	"spacegate/internal/models"
)

type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// ShouldProcess reports whether no ProcessedEvent row exists for eventID.
// It is read-only; recording happens in MarkProcessed.
func (l *Ledger) ShouldProcess(eventID string) (bool, error) {
	var n int64
	if err := l.db.Model(&models.ProcessedEvent{}).Where("id = ?", eventID).Count(&n).Error; err != nil {
		return false, err
	}
	return n == 0, nil
}

// MarkProcessed records eventID as handled. Inserting an id twice is a
// benign signal that another pass already handled the event, not an error.
func (l *Ledger) MarkProcessed(eventID string) error {
	err := l.db.Create(&models.ProcessedEvent{ID: eventID}).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
