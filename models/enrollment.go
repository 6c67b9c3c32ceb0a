package models

import "time"

const (
	EnrollmentStatusActive = "active"
	EnrollmentStatusDead   = "dead"
)

// OngoingSequence is a user's live cursor through a sequence: which step they
// will receive next and when. The row is the scheduled task; deleting it
// cancels all future sends for the enrollment.
//
// No gorm.Model here: the unique identity index must also cover completed
// enrollments being re-created later, so rows are hard-deleted instead of
// soft-deleted.
type OngoingSequence struct {
	ID        uint `gorm:"primarykey" json:"id"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Domain     string `gorm:"not null;uniqueIndex:idx_ongoing_identity" json:"domain"`
	SequenceID string `gorm:"not null;uniqueIndex:idx_ongoing_identity" json:"sequence_id"`
	UserID     string `gorm:"not null;uniqueIndex:idx_ongoing_identity" json:"user_id"`

	NextEmailID     string    `json:"next_email_id"`
	NextScheduledAt time.Time `gorm:"not null;index" json:"next_scheduled_at"`

	Attempts int    `gorm:"default:0" json:"attempts"`
	Status   string `gorm:"default:'active';index" json:"status"` // active, dead

	// Worker lease. A row may only be delivered by the worker holding an
	// unexpired lease; the claim is a conditional UPDATE, never
	// read-modify-write.
	LeaseOwner     string     `gorm:"index" json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
}
