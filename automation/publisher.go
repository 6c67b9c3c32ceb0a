package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"courselit/models"
	"courselit/store"
)

// Publisher manages the operator-facing publish transitions: flipping step
// publish flags, scheduling delayed broadcasts through date rules, and the
// at-most-once broadcast fan-out.
type Publisher struct {
	store    store.Store
	resolver AudienceResolver
	logger   *logrus.Logger

	// Now is the clock; tests override it.
	Now func() time.Time
}

func NewPublisher(st store.Store, resolver AudienceResolver, logger *logrus.Logger) *Publisher {
	return &Publisher{
		store:    st,
		resolver: resolver,
		logger:   logger,
		Now:      time.Now,
	}
}

// ToggleEmailPublished flips the publish flag of one step and performs the
// broadcast side effects. A broadcast that already went out is immutable:
// the current state is returned unchanged. For an immediate broadcast the
// lock CAS picks a single winner, and only the winner enrolls the audience;
// concurrent callers see the toggle as a no-op.
func (p *Publisher) ToggleEmailPublished(ctx context.Context, domain, sequenceID, emailID string) (*models.Sequence, error) {
	seq, err := p.store.GetSequence(ctx, domain, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq == nil {
		return nil, fmt.Errorf("%w: sequence %s", ErrNotFound, sequenceID)
	}
	email := seq.Email(emailID)
	if email == nil {
		return nil, fmt.Errorf("%w: email %s", ErrNotFound, emailID)
	}

	if seq.Type == models.SequenceTypeBroadcast && seq.Locked() {
		return seq, nil
	}

	now := p.Now()
	sched := ScheduleFor(seq.Type, email)
	publishing := !email.Published
	if publishing && seq.Type == models.SequenceTypeBroadcast && sched.InPast(now) {
		return nil, ErrPastSendTime
	}

	if seq.Type == models.SequenceTypeBroadcast && publishing && !sched.Absolute() {
		// Immediate send: take the lock CAS first. Only the winner persists
		// the flip and enrolls, so a concurrent toggle never observes a
		// half-published state it could invert; losers return the sequence
		// untouched.
		won, err := p.store.LockBroadcast(ctx, domain, sequenceID, now)
		if err != nil {
			return nil, err
		}
		if !won {
			return seq, nil
		}
		email.Published = true
		if err := p.store.SaveSequence(ctx, seq); err != nil {
			return nil, err
		}
		if err := p.EnrollAudience(ctx, seq); err != nil {
			return nil, err
		}
		seq.BroadcastLockedAt = &now
		return seq, nil
	}

	email.Published = publishing
	if err := p.store.SaveSequence(ctx, seq); err != nil {
		return nil, err
	}

	if seq.Type != models.SequenceTypeBroadcast {
		// Drip toggles only change future triggering; cursors already past
		// this step are untouched.
		return seq, nil
	}

	if !publishing {
		// Unpublish is only reachable before the lock; drop the pending
		// scheduled send so the operator can reschedule.
		if err := p.store.DeleteDateRules(ctx, domain, sequenceID); err != nil {
			return nil, err
		}
		return seq, nil
	}

	// Future send: a date rule fires the enrollment when due.
	err = p.store.CreateRule(ctx, &models.Rule{
		Domain:          domain,
		Type:            models.RuleTypeDate,
		EventDateMillis: email.DelayMillis,
		SequenceID:      sequenceID,
	})
	if err != nil {
		return nil, err
	}
	return seq, nil
}

// EnrollAudience resolves the broadcast filter and creates one enrollment
// per matching user, due immediately. Inserts are idempotent per user, so a
// partially completed fan-out can be re-run safely.
func (p *Publisher) EnrollAudience(ctx context.Context, seq *models.Sequence) error {
	if len(seq.Emails) == 0 {
		return fmt.Errorf("%w: broadcast %s has no email", ErrNotFound, seq.SequenceID)
	}
	entry := &seq.Emails[0]

	userIDs, err := p.resolver.Resolve(ctx, seq.Domain, seq.FilterExpression)
	if err != nil {
		return err
	}

	now := p.Now()
	for _, userID := range userIDs {
		created, err := p.store.CreateEnrollment(ctx, &models.OngoingSequence{
			Domain:          seq.Domain,
			SequenceID:      seq.SequenceID,
			UserID:          userID,
			NextEmailID:     entry.EmailID,
			NextScheduledAt: now,
			Status:          models.EnrollmentStatusActive,
		})
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"domain":      seq.Domain,
				"sequence_id": seq.SequenceID,
				"user_id":     userID,
			}).Warn("failed to enroll broadcast recipient")
			continue
		}
		if !created {
			continue
		}
		if err := p.store.AddEntrant(ctx, seq.Domain, seq.SequenceID, userID); err != nil {
			p.logger.WithError(err).WithField("user_id", userID).Warn("failed to record entrant")
		}
	}
	return nil
}

// FireDateRule runs a due scheduled-send rule: the lock CAS picks the worker
// that performs the fan-out, and the rule is deleted either way.
func (p *Publisher) FireDateRule(ctx context.Context, rule *models.Rule) error {
	seq, err := p.store.GetSequence(ctx, rule.Domain, rule.SequenceID)
	if err != nil {
		return err
	}
	if seq == nil {
		return p.store.DeleteRule(ctx, rule.ID)
	}

	won, err := p.store.LockBroadcast(ctx, rule.Domain, rule.SequenceID, p.Now())
	if err != nil {
		return err
	}
	if won {
		if err := p.EnrollAudience(ctx, seq); err != nil {
			return err
		}
	}
	return p.store.DeleteRule(ctx, rule.ID)
}
