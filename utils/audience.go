package utils

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"courselit/models"
)

// Audience resolves broadcast filters against the users table. The engine
// treats the filter as an opaque predicate; this resolver understands the
// empty filter and "all" (every subscribed user) plus "tag:<name>"
// (subscribed users carrying the tag). Unsubscribed users never match.
type Audience struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewAudience(db *gorm.DB, logger *logrus.Logger) *Audience {
	return &Audience{DB: db, Logger: logger}
}

func (a *Audience) Resolve(ctx context.Context, domain, filter string) ([]string, error) {
	q := a.DB.WithContext(ctx).Model(&models.User{}).
		Where("domain = ? AND subscribed_to_updates = ?", domain, true)

	if tag, ok := strings.CutPrefix(filter, "tag:"); ok {
		q = q.Where("tags @> to_jsonb(?::text)", tag)
	}

	var userIDs []string
	if err := q.Pluck("user_id", &userIDs).Error; err != nil {
		return nil, err
	}

	a.Logger.WithFields(logrus.Fields{
		"domain":  domain,
		"matched": len(userIDs),
	}).Info("resolved broadcast audience")
	return userIDs, nil
}
