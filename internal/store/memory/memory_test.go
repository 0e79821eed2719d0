package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrust/internal/market"
)

func TestUpsertIdentityKeepsCommerceState(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	u, created, err := s.UpsertIdentity(ctx, market.NewClient("42", 42, "Ann", "ann", now))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, market.RoleClient, u.Role)

	stored, _ := s.GetUser(ctx, "42")
	stored.Role = market.RoleMaster
	stored.DepositBalance = 500
	stored.TrustScore = 30
	s.PutUser(*stored)

	u, created, err = s.UpsertIdentity(ctx, market.NewClient("42", 42, "Anna", "anna", now.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Anna", u.DisplayName)
	assert.Equal(t, "anna", u.Handle)
	assert.Equal(t, market.RoleMaster, u.Role)
	assert.EqualValues(t, 500, u.DepositBalance)
	assert.EqualValues(t, 30, u.TrustScore)
	assert.Equal(t, 1, s.UserCount())
}

func TestSetVisibilityIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutUser(market.User{ID: "m1", Role: market.RoleMaster, IsVisible: true})

	won, err := s.SetVisibility(ctx, "m1", true, false, entry("m1", market.EventVisibleHidden))
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SetVisibility(ctx, "m1", true, false, entry("m1", market.EventVisibleHidden))
	require.NoError(t, err)
	assert.False(t, won)

	require.Len(t, s.SystemLogs(), 1)
}

func entry(subject, eventType string) *market.SystemLogEntry {
	return &market.SystemLogEntry{ID: uuid.New(), SubjectID: subject, EventType: eventType, Timestamp: time.Now()}
}

func TestFailedLogAppendAppliesNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutUser(market.User{ID: "m1", Role: market.RoleMaster, IsVisible: true})
	s.PutUser(market.User{ID: "c1", Role: market.RoleClient})
	s.PutReview(market.Review{ID: "r1", AuthorID: "c1", ServiceID: "s1", Rating: 5})
	s.FailSystemLogs(errors.New("log collection unavailable"))

	_, err := s.SetVisibility(ctx, "m1", true, false, entry("m1", market.EventVisibleHidden))
	assert.Error(t, err)
	_, err = s.UpdateVipStatus(ctx, "c1", true, 10, time.Now(), entry("c1", market.EventVipChanged))
	assert.Error(t, err)
	_, err = s.GrantReward(ctx, market.RewardGrant{DealID: "d1", AuthorID: "c1", Points: 15}, entry("c1", market.EventTrustReward))
	assert.Error(t, err)
	_, err = s.MarkReviewVerified(ctx, "r1", entry("c1", market.EventReviewVerified))
	assert.Error(t, err)

	m1, _ := s.GetUser(ctx, "m1")
	assert.True(t, m1.IsVisible)
	c1, _ := s.GetUser(ctx, "c1")
	assert.False(t, c1.IsVip)
	assert.Zero(t, c1.TrustScore)
	r1, _ := s.GetReview(ctx, "r1")
	assert.False(t, r1.IsVerifiedPurchase)
	assert.Empty(t, s.SystemLogs())

	// writes without an entry are unaffected
	won, err := s.SetVisibility(ctx, "m1", true, false, nil)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestUpdateVipStatusLogsOnlyFlips(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutUser(market.User{ID: "c1", Role: market.RoleClient})

	previous, err := s.UpdateVipStatus(ctx, "c1", false, 3, time.Now(), entry("c1", market.EventVipChanged))
	require.NoError(t, err)
	assert.False(t, previous)
	assert.Empty(t, s.SystemLogs())

	previous, err = s.UpdateVipStatus(ctx, "c1", true, 10, time.Now(), entry("c1", market.EventVipChanged))
	require.NoError(t, err)
	assert.False(t, previous)
	assert.Len(t, s.SystemLogs(), 1)
}

func TestGrantRewardConcurrentAccumulation(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutUser(market.User{ID: "author"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every deal is delivered twice
			for j := 0; j < 2; j++ {
				_, err := s.GrantReward(ctx, market.RewardGrant{DealID: fmt.Sprintf("d%d", i), AuthorID: "author", Points: 10}, nil)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	u, err := s.GetUser(ctx, "author")
	require.NoError(t, err)
	assert.EqualValues(t, 500, u.TrustScore)
}

func TestAdvanceLowBalanceStageRequiresAnchor(t *testing.T) {
	ctx := context.Background()
	s := New()
	since := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.PutUser(market.User{ID: "m1", Role: market.RoleMaster, IsVisible: true})

	won, err := s.AdvanceLowBalanceStage(ctx, "m1", since, market.StageNone, market.StageLowNotice)
	require.NoError(t, err)
	assert.False(t, won)

	won, err = s.StartLowBalance(ctx, "m1", since)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.AdvanceLowBalanceStage(ctx, "m1", since, market.StageNone, market.StageLowNotice)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.AdvanceLowBalanceStage(ctx, "m1", since.Add(time.Minute), market.StageLowNotice, market.StageUrgent)
	require.NoError(t, err)
	assert.False(t, won)
}
