package models

import "gorm.io/gorm"

// User is the engine's view of a platform user: enough to decide whether
// automation may contact them and where to deliver.
type User struct {
	gorm.Model
	Domain string `gorm:"not null;uniqueIndex:idx_users_identity" json:"domain"`
	UserID string `gorm:"not null;uniqueIndex:idx_users_identity" json:"user_id"`

	Email string `gorm:"not null;index" json:"email"`
	Name  string `json:"name"`

	// SubscribedToUpdates is the user-facing opt-out; when false the trigger
	// evaluator ignores their events entirely.
	SubscribedToUpdates bool `gorm:"default:true" json:"subscribed_to_updates"`

	Tags []string `gorm:"type:jsonb;serializer:json" json:"tags"`
}
