package worker

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"courselit/automation"
	"courselit/models"
	"courselit/store"
)

// Options tunes one delivery worker. Several workers may run concurrently
// across processes; the per-row lease keeps them from sending the same email
// twice.
type Options struct {
	Owner        string
	PollInterval time.Duration
	BatchSize    int
	LeaseFor     time.Duration
	MaxAttempts  int
	FromAddress  string
	FromName     string
}

// DeliveryWorker is the executor loop: it fires due scheduled broadcasts,
// claims due enrollments, renders and sends the next step, then advances or
// retires the cursor.
type DeliveryWorker struct {
	Store     store.Store
	Mailer    automation.Mailer
	Renderer  automation.Renderer
	Publisher *automation.Publisher
	Logger    *logrus.Logger
	Opts      Options

	// Now is the clock; tests override it.
	Now func() time.Time
}

func NewDeliveryWorker(st store.Store, mailer automation.Mailer, renderer automation.Renderer, pub *automation.Publisher, logger *logrus.Logger, opts Options) *DeliveryWorker {
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.LeaseFor <= 0 {
		opts.LeaseFor = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &DeliveryWorker{
		Store:     st,
		Mailer:    mailer,
		Renderer:  renderer,
		Publisher: pub,
		Logger:    logger,
		Opts:      opts,
		Now:       time.Now,
	}
}

// Start polls until the context is canceled.
func (w *DeliveryWorker) Start(ctx context.Context) {
	w.Logger.WithField("owner", w.Opts.Owner).Info("delivery worker started")

	ticker := time.NewTicker(w.Opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("delivery worker shutting down")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one full poll cycle.
func (w *DeliveryWorker) Tick(ctx context.Context) {
	w.fireDueDateRules(ctx)
	w.processDueEnrollments(ctx)
}

func (w *DeliveryWorker) fireDueDateRules(ctx context.Context) {
	rules, err := w.Store.DueDateRules(ctx, w.Now(), w.Opts.BatchSize)
	if err != nil {
		w.Logger.WithError(err).Error("failed to fetch due date rules")
		sentry.CaptureException(err)
		return
	}
	for i := range rules {
		if err := w.Publisher.FireDateRule(ctx, &rules[i]); err != nil {
			w.Logger.WithError(err).WithFields(logrus.Fields{
				"domain":      rules[i].Domain,
				"sequence_id": rules[i].SequenceID,
			}).Error("failed to fire scheduled broadcast")
			sentry.CaptureException(err)
		}
	}
}

func (w *DeliveryWorker) processDueEnrollments(ctx context.Context) {
	now := w.Now()
	due, err := w.Store.DueEnrollments(ctx, now, w.Opts.BatchSize)
	if err != nil {
		w.Logger.WithError(err).Error("failed to fetch due enrollments")
		sentry.CaptureException(err)
		return
	}

	for i := range due {
		row := &due[i]
		claimed, err := w.Store.ClaimEnrollment(ctx, row.ID, row.NextEmailID, w.Opts.Owner, now.Add(w.Opts.LeaseFor), now)
		if err != nil {
			w.Logger.WithError(err).WithField("enrollment_id", row.ID).Error("failed to claim enrollment")
			sentry.CaptureException(err)
			continue
		}
		if !claimed {
			// Another worker owns this row.
			continue
		}
		w.deliver(ctx, row)
	}
}

func (w *DeliveryWorker) deliver(ctx context.Context, row *models.OngoingSequence) {
	log := w.Logger.WithFields(logrus.Fields{
		"domain":      row.Domain,
		"sequence_id": row.SequenceID,
		"user_id":     row.UserID,
		"email_id":    row.NextEmailID,
	})

	seq, err := w.Store.GetSequence(ctx, row.Domain, row.SequenceID)
	if err != nil {
		w.release(ctx, row, log)
		return
	}
	if seq == nil || seq.Status != models.SequenceStatusActive {
		w.abandon(ctx, row, "sequence inactive", log)
		return
	}

	email := seq.Email(row.NextEmailID)
	if email == nil || !email.Published {
		w.abandon(ctx, row, "email unpublished", log)
		return
	}

	user, err := w.Store.GetUser(ctx, row.Domain, row.UserID)
	if err != nil {
		w.release(ctx, row, log)
		return
	}
	if user == nil {
		w.abandon(ctx, row, "user missing", log)
		return
	}

	rendered, err := w.Renderer.Render(email.TemplateID, email.Content, email.Subject, automation.MergeData{
		"email":  user.Email,
		"name":   user.Name,
		"domain": row.Domain,
	})
	if err != nil {
		w.fail(ctx, row, err, log)
		return
	}

	sendTime := w.Now()
	err = w.Mailer.Send(ctx, automation.Email{
		From:     w.Opts.FromAddress,
		FromName: w.Opts.FromName,
		To:       []string{user.Email},
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
	})
	if err != nil {
		w.fail(ctx, row, err, log)
		return
	}

	next := seq.NextPublishedEmail(row.NextEmailID)
	if next == nil {
		if err := w.Store.DeleteEnrollment(ctx, row.ID); err != nil {
			log.WithError(err).Error("failed to retire completed enrollment")
			return
		}
		log.Info("enrollment completed")
		return
	}

	at := sendTime.Add(time.Duration(next.DelayMillis) * time.Millisecond)
	if err := w.Store.AdvanceEnrollment(ctx, row.ID, next.EmailID, at); err != nil {
		log.WithError(err).Error("failed to advance enrollment")
		return
	}
	log.WithField("next_email_id", next.EmailID).Info("email sent, cursor advanced")
}

// abandon drops an enrollment whose sequence, step or user is gone. Distinct
// from completion and from failure, for observability.
func (w *DeliveryWorker) abandon(ctx context.Context, row *models.OngoingSequence, reason string, log *logrus.Entry) {
	if err := w.Store.DeleteEnrollment(ctx, row.ID); err != nil {
		log.WithError(err).Error("failed to drop abandoned enrollment")
		return
	}
	log.WithField("reason", reason).Info("enrollment abandoned")
}

// release gives the lease back untouched after a transient store error; the
// next poll picks the row up again without burning an attempt.
func (w *DeliveryWorker) release(ctx context.Context, row *models.OngoingSequence, log *logrus.Entry) {
	if err := w.Store.ReleaseEnrollment(ctx, row.ID, row.Attempts); err != nil {
		log.WithError(err).Error("failed to release enrollment lease")
	}
}

// fail leaves the cursor unadvanced so the next poll retries, bounded by the
// attempt cap, after which the row is parked for operator inspection.
func (w *DeliveryWorker) fail(ctx context.Context, row *models.OngoingSequence, cause error, log *logrus.Entry) {
	attempts := row.Attempts + 1
	if attempts >= w.Opts.MaxAttempts {
		if err := w.Store.DeadLetterEnrollment(ctx, row.ID); err != nil {
			log.WithError(err).Error("failed to dead-letter enrollment")
			return
		}
		log.WithError(cause).WithField("attempts", attempts).Error("delivery failed, enrollment dead-lettered")
		return
	}
	if err := w.Store.ReleaseEnrollment(ctx, row.ID, attempts); err != nil {
		log.WithError(err).Error("failed to release enrollment after delivery failure")
		return
	}
	log.WithError(cause).WithField("attempts", attempts).Warn("delivery failed, will retry")
}
