package automation

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"courselit/models"
	"courselit/store"
)

// Recorder is the idempotent activity log. Recording must never fail the
// user-facing action that produced the event, so storage errors are logged
// and reported, not returned.
type Recorder struct {
	store  store.Store
	logger *logrus.Logger
}

func NewRecorder(st store.Store, logger *logrus.Logger) *Recorder {
	return &Recorder{store: st, logger: logger}
}

// Record stores the activity unless the same fact already exists. It reports
// whether the fact is new, which is what gates trigger evaluation.
func (r *Recorder) Record(ctx context.Context, a *models.Activity) bool {
	created, err := r.store.RecordActivity(ctx, a)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"domain":  a.Domain,
			"user_id": a.UserID,
			"type":    a.Type,
		}).Error("failed to record activity")
		sentry.CaptureException(err)
		return false
	}
	return created
}
