package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"courselit/models"
)

// Gorm implements Store on Postgres.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (g *Gorm) RecordActivity(ctx context.Context, a *models.Activity) (bool, error) {
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "domain"}, {Name: "user_id"}, {Name: "type"}, {Name: "entity_id"},
		},
		DoNothing: true,
	}).Create(a)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (g *Gorm) CreateRule(ctx context.Context, r *models.Rule) error {
	return g.db.WithContext(ctx).Create(r).Error
}

func (g *Gorm) RulesForEvent(ctx context.Context, domain, event, eventData string) ([]models.Rule, error) {
	q := g.db.WithContext(ctx).
		Where("domain = ? AND type = ? AND event = ?", domain, models.RuleTypeEvent, event)
	if eventData != "" {
		q = q.Where("event_data = ?", eventData)
	}
	var rules []models.Rule
	if err := q.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (g *Gorm) DueDateRules(ctx context.Context, now time.Time, limit int) ([]models.Rule, error) {
	var rules []models.Rule
	err := g.db.WithContext(ctx).
		Where("type = ? AND event_date_millis > 0 AND event_date_millis <= ?",
			models.RuleTypeDate, now.UnixMilli()).
		Order("event_date_millis asc").
		Limit(limit).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (g *Gorm) DeleteRule(ctx context.Context, id uint) error {
	return g.db.WithContext(ctx).Delete(&models.Rule{}, id).Error
}

func (g *Gorm) DeleteDateRules(ctx context.Context, domain, sequenceID string) error {
	return g.db.WithContext(ctx).
		Where("domain = ? AND sequence_id = ? AND type = ?", domain, sequenceID, models.RuleTypeDate).
		Delete(&models.Rule{}).Error
}

func (g *Gorm) DeleteRulesForSequence(ctx context.Context, domain, sequenceID string) error {
	return g.db.WithContext(ctx).
		Where("domain = ? AND sequence_id = ?", domain, sequenceID).
		Delete(&models.Rule{}).Error
}

func (g *Gorm) CreateSequence(ctx context.Context, s *models.Sequence) error {
	return g.db.WithContext(ctx).Create(s).Error
}

func (g *Gorm) GetSequence(ctx context.Context, domain, sequenceID string) (*models.Sequence, error) {
	var seq models.Sequence
	err := g.db.WithContext(ctx).
		Where("domain = ? AND sequence_id = ?", domain, sequenceID).
		First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (g *Gorm) SaveSequence(ctx context.Context, s *models.Sequence) error {
	// The lock column and the entrant set are only ever written through
	// LockBroadcast and AddEntrant; writing them here would let a stale read
	// clobber a concurrent conditional update.
	return g.db.WithContext(ctx).
		Omit("broadcast_locked_at", "entrants", "created_at").
		Save(s).Error
}

func (g *Gorm) ListSequences(ctx context.Context, domain, sequenceType string, limit, offset int) ([]models.Sequence, error) {
	q := g.db.WithContext(ctx).Where("domain = ?", domain)
	if sequenceType != "" {
		q = q.Where("type = ?", sequenceType)
	}
	var seqs []models.Sequence
	err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&seqs).Error
	if err != nil {
		return nil, err
	}
	return seqs, nil
}

func (g *Gorm) DeleteSequence(ctx context.Context, domain, sequenceID string) error {
	return g.db.WithContext(ctx).
		Where("domain = ? AND sequence_id = ?", domain, sequenceID).
		Delete(&models.Sequence{}).Error
}

func (g *Gorm) LockBroadcast(ctx context.Context, domain, sequenceID string, at time.Time) (bool, error) {
	res := g.db.WithContext(ctx).Model(&models.Sequence{}).
		Where("domain = ? AND sequence_id = ? AND broadcast_locked_at IS NULL", domain, sequenceID).
		Update("broadcast_locked_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (g *Gorm) AddEntrant(ctx context.Context, domain, sequenceID, userID string) error {
	// Containment-guarded jsonb append keeps the entrant list a set without
	// reading it back first.
	return g.db.WithContext(ctx).Model(&models.Sequence{}).
		Where("domain = ? AND sequence_id = ? AND NOT coalesce(entrants, '[]'::jsonb) @> to_jsonb(?::text)",
			domain, sequenceID, userID).
		Update("entrants", gorm.Expr("coalesce(entrants, '[]'::jsonb) || to_jsonb(?::text)", userID)).
		Error
}

func (g *Gorm) CreateEnrollment(ctx context.Context, e *models.OngoingSequence) (bool, error) {
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "domain"}, {Name: "sequence_id"}, {Name: "user_id"},
		},
		DoNothing: true,
	}).Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (g *Gorm) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]models.OngoingSequence, error) {
	var rows []models.OngoingSequence
	err := g.db.WithContext(ctx).
		Where("status = ? AND next_scheduled_at <= ?", models.EnrollmentStatusActive, now).
		Where("lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at < ?", now).
		Order("next_scheduled_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (g *Gorm) ClaimEnrollment(ctx context.Context, id uint, emailID, owner string, until, now time.Time) (bool, error) {
	res := g.db.WithContext(ctx).Model(&models.OngoingSequence{}).
		Where("id = ? AND status = ? AND next_email_id = ?", id, models.EnrollmentStatusActive, emailID).
		Where("lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at < ?", now).
		Updates(map[string]interface{}{
			"lease_owner":      owner,
			"lease_expires_at": until,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (g *Gorm) AdvanceEnrollment(ctx context.Context, id uint, nextEmailID string, at time.Time) error {
	return g.db.WithContext(ctx).Model(&models.OngoingSequence{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"next_email_id":     nextEmailID,
			"next_scheduled_at": at,
			"attempts":          0,
			"lease_owner":       "",
			"lease_expires_at":  nil,
		}).Error
}

func (g *Gorm) ReleaseEnrollment(ctx context.Context, id uint, attempts int) error {
	return g.db.WithContext(ctx).Model(&models.OngoingSequence{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":         attempts,
			"lease_owner":      "",
			"lease_expires_at": nil,
		}).Error
}

func (g *Gorm) DeadLetterEnrollment(ctx context.Context, id uint) error {
	return g.db.WithContext(ctx).Model(&models.OngoingSequence{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           models.EnrollmentStatusDead,
			"lease_owner":      "",
			"lease_expires_at": nil,
		}).Error
}

func (g *Gorm) DeleteEnrollment(ctx context.Context, id uint) error {
	return g.db.WithContext(ctx).Delete(&models.OngoingSequence{}, id).Error
}

func (g *Gorm) DeleteEnrollmentsForSequence(ctx context.Context, domain, sequenceID string) error {
	return g.db.WithContext(ctx).
		Where("domain = ? AND sequence_id = ?", domain, sequenceID).
		Delete(&models.OngoingSequence{}).Error
}

func (g *Gorm) CountEnrollments(ctx context.Context, domain, sequenceID string) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&models.OngoingSequence{}).
		Where("domain = ? AND sequence_id = ? AND status = ?",
			domain, sequenceID, models.EnrollmentStatusActive).
		Count(&n).Error
	return n, err
}

func (g *Gorm) GetUser(ctx context.Context, domain, userID string) (*models.User, error) {
	var user models.User
	err := g.db.WithContext(ctx).
		Where("domain = ? AND user_id = ?", domain, userID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
