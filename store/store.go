// Package store persists the automation engine's entities. Everything is
// domain-partitioned; the conditional writes (activity insert, enrollment
// insert, broadcast lock, worker lease) are single atomic statements so that
// concurrent workers and request handlers never race on read-modify-write.
package store

import (
	"context"
	"time"

	"courselit/models"
)

// Store is the persistence boundary consumed by the automation engine, the
// delivery worker and the admin controllers. Lookups return (nil, nil) when
// the entity does not exist.
type Store interface {
	// RecordActivity inserts the activity unless a fact with the same
	// identity key already exists. It reports whether the fact is new.
	RecordActivity(ctx context.Context, a *models.Activity) (bool, error)

	CreateRule(ctx context.Context, r *models.Rule) error
	// RulesForEvent returns event-shaped rules matching the signature. When
	// eventData is non-empty only rules carrying that exact discriminator
	// match; when empty, the discriminator is ignored.
	RulesForEvent(ctx context.Context, domain, event, eventData string) ([]models.Rule, error)
	// DueDateRules returns date-shaped rules whose send time has passed,
	// soonest first.
	DueDateRules(ctx context.Context, now time.Time, limit int) ([]models.Rule, error)
	DeleteRule(ctx context.Context, id uint) error
	DeleteDateRules(ctx context.Context, domain, sequenceID string) error
	DeleteRulesForSequence(ctx context.Context, domain, sequenceID string) error

	CreateSequence(ctx context.Context, s *models.Sequence) error
	GetSequence(ctx context.Context, domain, sequenceID string) (*models.Sequence, error)
	SaveSequence(ctx context.Context, s *models.Sequence) error
	ListSequences(ctx context.Context, domain, sequenceType string, limit, offset int) ([]models.Sequence, error)
	DeleteSequence(ctx context.Context, domain, sequenceID string) error
	// LockBroadcast sets the terminal sent flag if and only if it was unset.
	// It reports whether this caller won the lock.
	LockBroadcast(ctx context.Context, domain, sequenceID string, at time.Time) (bool, error)
	// AddEntrant adds the user to the sequence's entrant set; duplicate adds
	// are no-ops.
	AddEntrant(ctx context.Context, domain, sequenceID, userID string) error

	// CreateEnrollment inserts the row unless one already exists for the
	// same (domain, sequence, user). It reports whether a row was created.
	CreateEnrollment(ctx context.Context, e *models.OngoingSequence) (bool, error)
	// DueEnrollments returns active rows scheduled at or before now whose
	// lease is free or expired, oldest first.
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.OngoingSequence, error)
	// ClaimEnrollment takes the delivery lease on a row if it is still
	// active, unleased (or the lease expired), and the cursor still points
	// at emailID. The cursor check stops a worker holding a stale due list
	// from re-sending a step another worker just delivered. It reports
	// whether the claim succeeded.
	ClaimEnrollment(ctx context.Context, id uint, emailID, owner string, until, now time.Time) (bool, error)
	// AdvanceEnrollment moves the cursor to the next step, resets the
	// attempt counter and releases the lease.
	AdvanceEnrollment(ctx context.Context, id uint, nextEmailID string, at time.Time) error
	// ReleaseEnrollment drops the lease without advancing, recording the
	// attempt count, so the next poll retries the same step.
	ReleaseEnrollment(ctx context.Context, id uint, attempts int) error
	// DeadLetterEnrollment parks the row for operator inspection; it will no
	// longer be polled.
	DeadLetterEnrollment(ctx context.Context, id uint) error
	DeleteEnrollment(ctx context.Context, id uint) error
	DeleteEnrollmentsForSequence(ctx context.Context, domain, sequenceID string) error
	// CountEnrollments counts the active rows for a sequence.
	CountEnrollments(ctx context.Context, domain, sequenceID string) (int64, error)

	GetUser(ctx context.Context, domain, userID string) (*models.User, error)
}
