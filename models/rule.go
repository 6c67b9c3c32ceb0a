package models

import "gorm.io/gorm"

const (
	// RuleTypeEvent binds an event signature to a sequence (drip triggers and
	// "send broadcast on event").
	RuleTypeEvent = "event"
	// RuleTypeDate binds an absolute send time to a sequence (broadcast
	// scheduled for the future).
	RuleTypeDate = "date"
)

// Rule decides when a user gets enrolled in a sequence. Rules are cheap and
// disposable: unpublishing a step or deleting a sequence simply deletes them.
type Rule struct {
	gorm.Model
	Domain string `gorm:"not null;index" json:"domain"`
	Type   string `gorm:"not null;default:'event'" json:"type"` // event, date

	// Event-shaped rules. EventData is an optional discriminator, e.g. the
	// course that was purchased.
	Event     string `gorm:"index" json:"event"`
	EventData string `json:"event_data"`

	// Date-shaped rules.
	EventDateMillis int64 `gorm:"index" json:"event_date_in_millis"`

	SequenceID string `gorm:"not null;index" json:"sequence_id"`
}
