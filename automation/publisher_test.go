package automation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courselit/models"
	"courselit/store"
)

func staticAudience(userIDs ...string) AudienceResolver {
	return ResolverFunc(func(ctx context.Context, domain, filter string) ([]string, error) {
		return userIDs, nil
	})
}

func seedBroadcast(t *testing.T, mem *store.Memory, delayMillis int64) *models.Sequence {
	t.Helper()
	seq := &models.Sequence{
		Domain:     "school",
		SequenceID: "b1",
		Type:       models.SequenceTypeBroadcast,
		Title:      "sale",
		Status:     models.SequenceStatusActive,
		Emails: []models.SequenceEmail{
			{EmailID: "e1", Subject: "big sale", Content: "<p>hi</p>", DelayMillis: delayMillis},
		},
		EmailsOrder: []string{"e1"},
	}
	require.NoError(t, mem.CreateSequence(context.Background(), seq))
	return seq
}

func TestToggleImmediateBroadcastEnrollsAudience(t *testing.T) {
	mem := store.NewMemory()
	seedBroadcast(t, mem, 0)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pub := NewPublisher(mem, staticAudience("u1", "u2"), testLogger())
	pub.Now = func() time.Time { return now }
	ctx := context.Background()

	seq, err := pub.ToggleEmailPublished(ctx, "school", "b1", "e1")
	require.NoError(t, err)
	require.True(t, seq.Emails[0].Published)
	require.NotNil(t, seq.BroadcastLockedAt)

	rows, err := mem.DueEnrollments(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, "e1", row.NextEmailID)
		require.True(t, row.NextScheduledAt.Equal(now))
	}

	stored, err := mem.GetSequence(ctx, "school", "b1")
	require.NoError(t, err)
	require.NotNil(t, stored.BroadcastLockedAt)
	require.ElementsMatch(t, []string{"u1", "u2"}, stored.Entrants)
}

func TestToggleLockedBroadcastIsImmutable(t *testing.T) {
	mem := store.NewMemory()
	seedBroadcast(t, mem, 0)

	pub := NewPublisher(mem, staticAudience("u1"), testLogger())
	ctx := context.Background()

	_, err := pub.ToggleEmailPublished(ctx, "school", "b1", "e1")
	require.NoError(t, err)

	// A second toggle must not unpublish or re-enroll.
	seq, err := pub.ToggleEmailPublished(ctx, "school", "b1", "e1")
	require.NoError(t, err)
	require.True(t, seq.Emails[0].Published)

	n, err := mem.CountEnrollments(ctx, "school", "b1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestConcurrentTogglesFanOutOnce(t *testing.T) {
	mem := store.NewMemory()
	seedBroadcast(t, mem, 0)

	var resolves int32
	resolver := ResolverFunc(func(ctx context.Context, domain, filter string) ([]string, error) {
		atomic.AddInt32(&resolves, 1)
		return []string{"u1", "u2"}, nil
	})
	pub := NewPublisher(mem, resolver, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pub.ToggleEmailPublished(ctx, "school", "b1", "e1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&resolves))
	n, err := mem.CountEnrollments(ctx, "school", "b1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

// pausingLockStore blocks the first LockBroadcast caller until released, so a
// test can run a second toggle to completion inside the first one's window.
type pausingLockStore struct {
	store.Store
	mu       sync.Mutex
	armed    bool
	paused   chan struct{}
	released chan struct{}
}

func newPausingLockStore(inner store.Store) *pausingLockStore {
	return &pausingLockStore{
		Store:    inner,
		armed:    true,
		paused:   make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (s *pausingLockStore) LockBroadcast(ctx context.Context, domain, sequenceID string, at time.Time) (bool, error) {
	s.mu.Lock()
	first := s.armed
	s.armed = false
	s.mu.Unlock()
	if first {
		close(s.paused)
		<-s.released
	}
	return s.Store.LockBroadcast(ctx, domain, sequenceID, at)
}

func TestToggleOverlappingPublishersLeaveBroadcastSent(t *testing.T) {
	mem := store.NewMemory()
	seedBroadcast(t, mem, 0)

	var resolves int32
	resolver := ResolverFunc(func(ctx context.Context, domain, filter string) ([]string, error) {
		atomic.AddInt32(&resolves, 1)
		return []string{"u1", "u2"}, nil
	})
	paused := newPausingLockStore(mem)
	pub := NewPublisher(paused, resolver, testLogger())
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := pub.ToggleEmailPublished(ctx, "school", "b1", "e1")
		firstDone <- err
	}()
	<-paused.paused

	// The second toggle runs entirely inside the first one's lock window. It
	// must not read a half-published state and invert it.
	seq, err := pub.ToggleEmailPublished(ctx, "school", "b1", "e1")
	require.NoError(t, err)
	require.True(t, seq.Emails[0].Published)
	require.NotNil(t, seq.BroadcastLockedAt)

	close(paused.released)
	require.NoError(t, <-firstDone)

	stored, err := mem.GetSequence(ctx, "school", "b1")
	require.NoError(t, err)
	require.True(t, stored.Emails[0].Published)
	require.NotNil(t, stored.BroadcastLockedAt)
	require.EqualValues(t, 1, atomic.LoadInt32(&resolves))

	n, err := mem.CountEnrollments(ctx, "school", "b1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestToggleDelayedBroadcastCreatesDateRule(t *testing.T) {
	mem := store.NewMemory()
	sendAt := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedBroadcast(t, mem, sendAt.UnixMilli())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pub := NewPublisher(mem, staticAudience("u1"), testLogger())
	pub.Now = func() time.Time { return now }
	ctx := context.Background()

	seq, err := pub.ToggleEmailPublished(ctx, "school", "b1", "e1")
	require.NoError(t, err)
	require.True(t, seq.Emails[0].Published)
	require.Nil(t, seq.BroadcastLockedAt)

	// Nothing fans out until the rule fires.
	n, err := mem.CountEnrollments(ctx, "school", "b1")
	require.NoError(t, err)
	require.Zero(t, n)

	rules, err := mem.DueDateRules(ctx, sendAt, 0)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, models.RuleTypeDate, rules[0].Type)
	require.Equal(t, "b1", rules[0].SequenceID)
	require.Equal(t, sendAt.UnixMilli(), rules[0].EventDateMillis)
}

func TestUnpublishDelayedBroadcastDropsDateRule(t *testing.T) {
	mem := store.NewMemory()
	sendAt := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seedBroadcast(t, mem, sendAt.UnixMilli())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pub := NewPublisher(mem, staticAudience("u1"), testLogger())
	pub.Now = func() time.Time { return now }
	ctx := context.Background()

	_, err := pub.ToggleEmailPublished(ctx, "school", "b1", "e1")
	require.NoError(t, err)

	seq, err := pub.ToggleEmailPublished(ctx, "school", "b1", "e1")
	require.NoError(t, err)
	require.False(t, seq.Emails[0].Published)

	rules, err := mem.DueDateRules(ctx, sendAt, 0)
	require.NoError(t, err)
	require.Empty(t, rules)
}

func TestTogglePastSendTimeRejected(t *testing.T) {
	mem := store.NewMemory()
	sendAt := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	seedBroadcast(t, mem, sendAt.UnixMilli())

	pub := NewPublisher(mem, staticAudience("u1"), testLogger())
	pub.Now = func() time.Time { return sendAt.Add(time.Hour) }

	_, err := pub.ToggleEmailPublished(context.Background(), "school", "b1", "e1")
	require.ErrorIs(t, err, ErrPastSendTime)
}

func TestToggleMissingSequence(t *testing.T) {
	mem := store.NewMemory()
	pub := NewPublisher(mem, staticAudience(), testLogger())

	_, err := pub.ToggleEmailPublished(context.Background(), "school", "nope", "e1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestToggleMissingEmail(t *testing.T) {
	mem := store.NewMemory()
	seedBroadcast(t, mem, 0)
	pub := NewPublisher(mem, staticAudience(), testLogger())

	_, err := pub.ToggleEmailPublished(context.Background(), "school", "b1", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDripToggleHasNoBroadcastSideEffects(t *testing.T) {
	mem := store.NewMemory()
	seq := &models.Sequence{
		Domain:     "school",
		SequenceID: "s1",
		Type:       models.SequenceTypeSequence,
		Title:      "welcome",
		Status:     models.SequenceStatusActive,
		Emails: []models.SequenceEmail{
			{EmailID: "e1", Subject: "hello", DelayMillis: 0},
		},
		EmailsOrder: []string{"e1"},
	}
	require.NoError(t, mem.CreateSequence(context.Background(), seq))

	pub := NewPublisher(mem, staticAudience("u1"), testLogger())
	ctx := context.Background()

	got, err := pub.ToggleEmailPublished(ctx, "school", "s1", "e1")
	require.NoError(t, err)
	require.True(t, got.Emails[0].Published)
	require.Nil(t, got.BroadcastLockedAt)

	n, err := mem.CountEnrollments(ctx, "school", "s1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFireDateRuleEnrollsAndDeletesRule(t *testing.T) {
	mem := store.NewMemory()
	sendAt := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	seq := seedBroadcast(t, mem, sendAt.UnixMilli())
	seq.Emails[0].Published = true
	require.NoError(t, mem.SaveSequence(context.Background(), seq))

	rule := &models.Rule{
		Domain:          "school",
		Type:            models.RuleTypeDate,
		EventDateMillis: sendAt.UnixMilli(),
		SequenceID:      "b1",
	}
	require.NoError(t, mem.CreateRule(context.Background(), rule))

	pub := NewPublisher(mem, staticAudience("u1", "u2"), testLogger())
	pub.Now = func() time.Time { return sendAt }
	ctx := context.Background()

	require.NoError(t, pub.FireDateRule(ctx, rule))

	n, err := mem.CountEnrollments(ctx, "school", "b1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	stored, err := mem.GetSequence(ctx, "school", "b1")
	require.NoError(t, err)
	require.NotNil(t, stored.BroadcastLockedAt)

	rules, err := mem.DueDateRules(ctx, sendAt, 0)
	require.NoError(t, err)
	require.Empty(t, rules)

	// Re-firing a straggler copy of the rule must not fan out again.
	require.NoError(t, pub.FireDateRule(ctx, rule))
	n, err = mem.CountEnrollments(ctx, "school", "b1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestFireDateRuleForDeletedSequence(t *testing.T) {
	mem := store.NewMemory()
	rule := &models.Rule{
		Domain:          "school",
		Type:            models.RuleTypeDate,
		EventDateMillis: time.Now().UnixMilli(),
		SequenceID:      "gone",
	}
	require.NoError(t, mem.CreateRule(context.Background(), rule))

	failing := ResolverFunc(func(ctx context.Context, domain, filter string) ([]string, error) {
		return nil, errors.New("must not be called")
	})
	pub := NewPublisher(mem, failing, testLogger())

	require.NoError(t, pub.FireDateRule(context.Background(), rule))

	rules, err := mem.DueDateRules(context.Background(), farFuture, 0)
	require.NoError(t, err)
	require.Empty(t, rules)
}
