package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SequenceTypeBroadcast = "broadcast"
	SequenceTypeSequence  = "sequence"
)

const (
	SequenceStatusDraft    = "draft"
	SequenceStatusActive   = "active"
	SequenceStatusArchived = "archived"
)

// Sequence represents a campaign: either a multi-step drip sequence delivered
// over time, or a single-step broadcast sent once to a filtered audience.
type Sequence struct {
	gorm.Model
	Domain     string `gorm:"not null;uniqueIndex:idx_sequences_identity" json:"domain"`
	SequenceID string `gorm:"not null;uniqueIndex:idx_sequences_identity" json:"sequence_id"`

	Type   string `gorm:"not null" json:"type"`          // broadcast, sequence
	Title  string `gorm:"not null" json:"title"`
	Status string `gorm:"default:'draft'" json:"status"` // draft, active, archived

	// EmailsOrder is the canonical step ordering; steps can be reordered
	// without touching the Emails array itself.
	Emails      []SequenceEmail `gorm:"type:jsonb;serializer:json" json:"emails"`
	EmailsOrder []string        `gorm:"type:jsonb;serializer:json" json:"emails_order"`

	// FilterExpression is opaque to the engine and only ever handed to the
	// audience resolver.
	FilterExpression string `json:"filter_expression"`

	// BroadcastLockedAt is terminal: once set, the broadcast has been sent
	// and no further enrollment may occur. It lives in its own column so the
	// lock can be taken with a conditional UPDATE.
	BroadcastLockedAt *time.Time `json:"broadcast_locked_at"`

	Entrants []string `gorm:"type:jsonb;serializer:json" json:"entrants"`
}

// SequenceEmail is one step of a sequence. DelayMillis is an offset from
// enrollment for steps of a drip sequence, but an absolute epoch-millis send
// time for the single step of a scheduled broadcast. automation.ScheduleFor
// is the only place that interprets the field.
type SequenceEmail struct {
	EmailID     string `json:"email_id"`
	TemplateID  string `json:"template_id"`
	Subject     string `json:"subject"`
	Content     string `json:"content"`
	DelayMillis int64  `json:"delay_in_millis"`
	Published   bool   `json:"published"`
}

// Email returns the step with the given id, or nil.
func (s *Sequence) Email(emailID string) *SequenceEmail {
	for i := range s.Emails {
		if s.Emails[i].EmailID == emailID {
			return &s.Emails[i]
		}
	}
	return nil
}

// FirstPublishedEmail walks EmailsOrder and returns the entry point: the
// first step a newly enrolled user will receive. Nil when nothing is
// published.
func (s *Sequence) FirstPublishedEmail() *SequenceEmail {
	for _, id := range s.EmailsOrder {
		if e := s.Email(id); e != nil && e.Published {
			return e
		}
	}
	return nil
}

// NextPublishedEmail returns the first published step after the given one in
// EmailsOrder, or nil when the cursor has reached the end.
func (s *Sequence) NextPublishedEmail(afterEmailID string) *SequenceEmail {
	idx := -1
	for i, id := range s.EmailsOrder {
		if id == afterEmailID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	for _, id := range s.EmailsOrder[idx+1:] {
		if e := s.Email(id); e != nil && e.Published {
			return e
		}
	}
	return nil
}

// Locked reports whether the broadcast has already been sent.
func (s *Sequence) Locked() bool {
	return s.BroadcastLockedAt != nil
}
