package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"courselit/models"
)

// Memory implements Store with mutex-guarded maps. It mirrors the semantics
// of the Postgres implementation, conditional writes included, and backs the
// engine and worker tests.
type Memory struct {
	mu          sync.Mutex
	nextID      uint
	activities  map[string]*models.Activity
	rules       map[uint]*models.Rule
	sequences   map[string]*models.Sequence
	enrollments map[uint]*models.OngoingSequence
	users       map[string]*models.User
}

func NewMemory() *Memory {
	return &Memory{
		activities:  make(map[string]*models.Activity),
		rules:       make(map[uint]*models.Rule),
		sequences:   make(map[string]*models.Sequence),
		enrollments: make(map[uint]*models.OngoingSequence),
		users:       make(map[string]*models.User),
	}
}

func (m *Memory) id() uint {
	m.nextID++
	return m.nextID
}

func seqKey(domain, sequenceID string) string {
	return domain + "/" + sequenceID
}

func (m *Memory) RecordActivity(_ context.Context, a *models.Activity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%s/%s", a.Domain, a.UserID, a.Type, a.EntityID)
	if _, ok := m.activities[key]; ok {
		return false, nil
	}
	c := *a
	c.ID = m.id()
	m.activities[key] = &c
	a.ID = c.ID
	return true, nil
}

func (m *Memory) CreateRule(_ context.Context, r *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	c.ID = m.id()
	m.rules[c.ID] = &c
	r.ID = c.ID
	return nil
}

func (m *Memory) RulesForEvent(_ context.Context, domain, event, eventData string) ([]models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Rule
	for _, r := range m.rules {
		if r.Domain != domain || r.Type != models.RuleTypeEvent || r.Event != event {
			continue
		}
		if eventData != "" && r.EventData != eventData {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *Memory) DueDateRules(_ context.Context, now time.Time, limit int) ([]models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Rule
	for _, r := range m.rules {
		if r.Type == models.RuleTypeDate && r.EventDateMillis > 0 && r.EventDateMillis <= now.UnixMilli() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventDateMillis < out[j].EventDateMillis })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteRule(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	return nil
}

func (m *Memory) DeleteDateRules(_ context.Context, domain, sequenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rules {
		if r.Domain == domain && r.SequenceID == sequenceID && r.Type == models.RuleTypeDate {
			delete(m.rules, id)
		}
	}
	return nil
}

func (m *Memory) DeleteRulesForSequence(_ context.Context, domain, sequenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rules {
		if r.Domain == domain && r.SequenceID == sequenceID {
			delete(m.rules, id)
		}
	}
	return nil
}

func cloneSequence(s *models.Sequence) *models.Sequence {
	c := *s
	c.Emails = append([]models.SequenceEmail(nil), s.Emails...)
	c.EmailsOrder = append([]string(nil), s.EmailsOrder...)
	c.Entrants = append([]string(nil), s.Entrants...)
	if s.BroadcastLockedAt != nil {
		at := *s.BroadcastLockedAt
		c.BroadcastLockedAt = &at
	}
	return &c
}

func (m *Memory) CreateSequence(_ context.Context, s *models.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seqKey(s.Domain, s.SequenceID)
	if _, ok := m.sequences[key]; ok {
		return fmt.Errorf("sequence %s already exists", s.SequenceID)
	}
	c := cloneSequence(s)
	c.ID = m.id()
	c.CreatedAt = time.Now()
	m.sequences[key] = c
	s.ID = c.ID
	return nil
}

func (m *Memory) GetSequence(_ context.Context, domain, sequenceID string) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[seqKey(domain, sequenceID)]
	if !ok {
		return nil, nil
	}
	return cloneSequence(s), nil
}

func (m *Memory) SaveSequence(_ context.Context, s *models.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seqKey(s.Domain, s.SequenceID)
	cur, ok := m.sequences[key]
	if !ok {
		return fmt.Errorf("sequence %s not found", s.SequenceID)
	}
	c := cloneSequence(s)
	c.ID = cur.ID
	c.CreatedAt = cur.CreatedAt
	// The lock column is only ever written through LockBroadcast.
	c.BroadcastLockedAt = cur.BroadcastLockedAt
	c.Entrants = append([]string(nil), cur.Entrants...)
	m.sequences[key] = c
	return nil
}

func (m *Memory) ListSequences(_ context.Context, domain, sequenceType string, limit, offset int) ([]models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sequence
	for _, s := range m.sequences {
		if s.Domain != domain {
			continue
		}
		if sequenceType != "" && s.Type != sequenceType {
			continue
		}
		out = append(out, *cloneSequence(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteSequence(_ context.Context, domain, sequenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sequences, seqKey(domain, sequenceID))
	return nil
}

func (m *Memory) LockBroadcast(_ context.Context, domain, sequenceID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[seqKey(domain, sequenceID)]
	if !ok || s.BroadcastLockedAt != nil {
		return false, nil
	}
	locked := at
	s.BroadcastLockedAt = &locked
	return true, nil
}

func (m *Memory) AddEntrant(_ context.Context, domain, sequenceID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[seqKey(domain, sequenceID)]
	if !ok {
		return nil
	}
	for _, id := range s.Entrants {
		if id == userID {
			return nil
		}
	}
	s.Entrants = append(s.Entrants, userID)
	return nil
}

func cloneEnrollment(e *models.OngoingSequence) *models.OngoingSequence {
	c := *e
	if e.LeaseExpiresAt != nil {
		at := *e.LeaseExpiresAt
		c.LeaseExpiresAt = &at
	}
	return &c
}

func (m *Memory) CreateEnrollment(_ context.Context, e *models.OngoingSequence) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.enrollments {
		if cur.Domain == e.Domain && cur.SequenceID == e.SequenceID && cur.UserID == e.UserID {
			return false, nil
		}
	}
	c := cloneEnrollment(e)
	c.ID = m.id()
	c.CreatedAt = time.Now()
	m.enrollments[c.ID] = c
	e.ID = c.ID
	return true, nil
}

func leaseFree(e *models.OngoingSequence, now time.Time) bool {
	return e.LeaseOwner == "" || e.LeaseExpiresAt == nil || e.LeaseExpiresAt.Before(now)
}

func (m *Memory) DueEnrollments(_ context.Context, now time.Time, limit int) ([]models.OngoingSequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OngoingSequence
	for _, e := range m.enrollments {
		if e.Status != models.EnrollmentStatusActive {
			continue
		}
		if e.NextScheduledAt.After(now) || !leaseFree(e, now) {
			continue
		}
		out = append(out, *cloneEnrollment(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextScheduledAt.Before(out[j].NextScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimEnrollment(_ context.Context, id uint, emailID, owner string, until, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentStatusActive || e.NextEmailID != emailID || !leaseFree(e, now) {
		return false, nil
	}
	expires := until
	e.LeaseOwner = owner
	e.LeaseExpiresAt = &expires
	return true, nil
}

func (m *Memory) AdvanceEnrollment(_ context.Context, id uint, nextEmailID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil
	}
	e.NextEmailID = nextEmailID
	e.NextScheduledAt = at
	e.Attempts = 0
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	return nil
}

func (m *Memory) ReleaseEnrollment(_ context.Context, id uint, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil
	}
	e.Attempts = attempts
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	return nil
}

func (m *Memory) DeadLetterEnrollment(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil
	}
	e.Status = models.EnrollmentStatusDead
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	return nil
}

func (m *Memory) DeleteEnrollment(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.enrollments, id)
	return nil
}

func (m *Memory) DeleteEnrollmentsForSequence(_ context.Context, domain, sequenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.enrollments {
		if e.Domain == domain && e.SequenceID == sequenceID {
			delete(m.enrollments, id)
		}
	}
	return nil
}

func (m *Memory) CountEnrollments(_ context.Context, domain, sequenceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.enrollments {
		if e.Domain == domain && e.SequenceID == sequenceID && e.Status == models.EnrollmentStatusActive {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetUser(_ context.Context, domain, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[domain+"/"+userID]
	if !ok {
		return nil, nil
	}
	c := *u
	c.Tags = append([]string(nil), u.Tags...)
	return &c, nil
}

// PutUser seeds a user; the engine itself never writes users.
func (m *Memory) PutUser(u *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *u
	c.Tags = append([]string(nil), u.Tags...)
	if c.ID == 0 {
		c.ID = m.id()
	}
	m.users[u.Domain+"/"+u.UserID] = &c
}
