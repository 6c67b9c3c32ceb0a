package automation

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"courselit/models"
	"courselit/store"
)

// Event is one user action handed to the trigger evaluator.
type Event struct {
	User models.User
	Type string
	Data string
}

// Trigger matches incoming events against rules and performs first-time
// enrollment. Evaluation is best-effort: failures are logged and reported,
// never surfaced to the request that produced the event.
type Trigger struct {
	store  store.Store
	logger *logrus.Logger
	queue  chan Event

	// Now is the clock; tests override it.
	Now func() time.Time
}

func NewTrigger(st store.Store, logger *logrus.Logger) *Trigger {
	return &Trigger{
		store:  st,
		logger: logger,
		queue:  make(chan Event, 256),
		Now:    time.Now,
	}
}

// Enqueue hands an event to the evaluation queue without blocking the
// caller. A full queue drops the event; enrollment is best-effort.
func (t *Trigger) Enqueue(ev Event) {
	select {
	case t.queue <- ev:
	default:
		t.logger.WithFields(logrus.Fields{
			"domain": ev.User.Domain,
			"event":  ev.Type,
		}).Warn("trigger queue full, dropping event")
	}
}

// Run drains the queue until the context is canceled.
func (t *Trigger) Run(ctx context.Context) {
	t.logger.Info("trigger evaluator started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("trigger evaluator shutting down")
			return
		case ev := <-t.queue:
			t.OnEvent(ctx, &ev.User, ev.Type, ev.Data)
		}
	}
}

// OnEvent evaluates every rule matching the event signature and enrolls the
// user in the bound sequences. Rules are independent; one failing does not
// stop the rest.
func (t *Trigger) OnEvent(ctx context.Context, user *models.User, eventType, eventData string) {
	if user == nil || !user.SubscribedToUpdates {
		return
	}

	rules, err := t.store.RulesForEvent(ctx, user.Domain, eventType, eventData)
	if err != nil {
		t.swallow(err, user.Domain, eventType)
		return
	}

	for i := range rules {
		if err := t.enroll(ctx, user, &rules[i]); err != nil {
			t.swallow(err, user.Domain, eventType)
		}
	}
}

func (t *Trigger) enroll(ctx context.Context, user *models.User, rule *models.Rule) error {
	seq, err := t.store.GetSequence(ctx, rule.Domain, rule.SequenceID)
	if err != nil {
		return err
	}
	if seq == nil || seq.Status != models.SequenceStatusActive {
		return nil
	}

	entry := seq.FirstPublishedEmail()
	if entry == nil {
		// Nothing publishable; the rule stays dormant.
		return nil
	}

	created, err := t.store.CreateEnrollment(ctx, &models.OngoingSequence{
		Domain:          seq.Domain,
		SequenceID:      seq.SequenceID,
		UserID:          user.UserID,
		NextEmailID:     entry.EmailID,
		NextScheduledAt: ScheduleFor(seq.Type, entry).FirstSendAt(t.Now()),
		Status:          models.EnrollmentStatusActive,
	})
	if err != nil {
		return err
	}
	if !created {
		// Already enrolled; a duplicate event must not restart the cursor.
		return nil
	}
	return t.store.AddEntrant(ctx, seq.Domain, seq.SequenceID, user.UserID)
}

func (t *Trigger) swallow(err error, domain, eventType string) {
	t.logger.WithError(err).WithFields(logrus.Fields{
		"domain": domain,
		"event":  eventType,
	}).Error("trigger evaluation failed")
	sentry.CaptureException(err)
}
