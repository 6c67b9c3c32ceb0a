package models

import "gorm.io/gorm"

// Activity is an immutable fact about a user action. The identity key
// (domain, user_id, type, entity_id) is unique; recording the same fact twice
// is a no-op, which is what keeps a replayed event from re-triggering
// automation.
type Activity struct {
	gorm.Model
	Domain   string `gorm:"not null;uniqueIndex:idx_activities_identity" json:"domain"`
	UserID   string `gorm:"not null;uniqueIndex:idx_activities_identity" json:"user_id"`
	Type     string `gorm:"not null;uniqueIndex:idx_activities_identity" json:"type"`
	EntityID string `gorm:"uniqueIndex:idx_activities_identity" json:"entity_id"`

	Metadata map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`
}
