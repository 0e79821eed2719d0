package trust

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"marketrust/internal/apperr"
	"marketrust/internal/audit"
	"marketrust/internal/graph"
	"marketrust/internal/market"
	"marketrust/internal/store/memory"
)

// seed builds a buyer with author "a" in C1 and "b" in C2, a completed deal
// for service s1 and no reviews.
func seed() *memory.Store {
	store := memory.New()
	store.PutUser(market.User{
		ID:           "buyer",
		Role:         market.RoleClient,
		TrustCircles: market.TrustCircles{C1: []string{"a"}, C2: []string{"b"}},
	})
	for _, id := range []string{"a", "b", "stranger"} {
		store.PutUser(market.User{ID: id, Role: market.RoleClient})
	}
	store.PutUser(market.User{ID: "m1", Role: market.RoleMaster})
	store.PutListing(market.Listing{ID: "s1", MasterID: "m1", Price: 100, IsActive: true})
	store.PutDeal(market.Deal{ID: "d1", ClientID: "buyer", MasterID: "m1", ServiceID: "s1", Status: market.DealCompleted})
	return store
}

func newPropagator(store *memory.Store, circles CircleSource) *Propagator {
	return NewPropagator(store, circles, audit.NewRecorder(zerolog.Nop()), nil, zerolog.Nop())
}

func score(t *testing.T, store *memory.Store, id string) int64 {
	t.Helper()
	u, err := store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.TrustScore
}

func TestPoints(t *testing.T) {
	assert.EqualValues(t, 15, Points(5))
	assert.EqualValues(t, 10, Points(4))
	assert.EqualValues(t, 10, Points(3))
	assert.EqualValues(t, -20, Points(2))
	assert.EqualValues(t, -20, Points(1))
}

func TestPointsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rating := rapid.IntRange(1, 5).Draw(t, "rating")
		p := Points(rating)
		switch {
		case rating > 4 && p != 15:
			t.Fatalf("rating %d: got %d", rating, p)
		case rating < 3 && p != -20:
			t.Fatalf("rating %d: got %d", rating, p)
		case rating >= 3 && rating <= 4 && p != 10:
			t.Fatalf("rating %d: got %d", rating, p)
		}
	})
}

func TestRewardFromDirectCircle(t *testing.T) {
	store := seed()
	store.PutReview(market.Review{ID: "r1", AuthorID: "a", ServiceID: "s1", Rating: 5, IsVerifiedPurchase: true})

	summary, err := newPropagator(store, nil).OnDealCompleted(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, summary.Granted, 1)
	assert.EqualValues(t, 15, score(t, store, "a"))

	logs := store.SystemLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, market.EventTrustReward, logs[0].EventType)
	assert.Equal(t, "a", logs[0].SubjectID)
}

func TestPenaltyFromExtendedCircle(t *testing.T) {
	store := seed()
	store.PutReview(market.Review{ID: "r1", AuthorID: "b", ServiceID: "s1", Rating: 2, IsVerifiedPurchase: true})

	_, err := newPropagator(store, nil).OnDealCompleted(context.Background(), "d1")
	require.NoError(t, err)
	assert.EqualValues(t, -20, score(t, store, "b"))
}

func TestNoRewardOutsideCircle(t *testing.T) {
	store := seed()
	store.PutReview(market.Review{ID: "r1", AuthorID: "stranger", ServiceID: "s1", Rating: 5, IsVerifiedPurchase: true})

	summary, err := newPropagator(store, nil).OnDealCompleted(context.Background(), "d1")
	require.NoError(t, err)
	assert.Empty(t, summary.Granted)
	assert.Zero(t, score(t, store, "stranger"))
	assert.Empty(t, store.SystemLogs())
}

func TestUnverifiedAndOwnReviewsIgnored(t *testing.T) {
	store := seed()
	store.PutReview(market.Review{ID: "r1", AuthorID: "a", ServiceID: "s1", Rating: 5, IsVerifiedPurchase: false})
	u, _ := store.GetUser(context.Background(), "buyer")
	u.TrustCircles.C1 = append(u.TrustCircles.C1, "buyer")
	store.PutUser(*u)
	store.PutReview(market.Review{ID: "r2", AuthorID: "buyer", ServiceID: "s1", Rating: 5, IsVerifiedPurchase: true})

	summary, err := newPropagator(store, nil).OnDealCompleted(context.Background(), "d1")
	require.NoError(t, err)
	assert.Empty(t, summary.Granted)
	assert.Zero(t, score(t, store, "a"))
	assert.Zero(t, score(t, store, "buyer"))
}

func TestRedeliveryDoesNotDoubleApply(t *testing.T) {
	ctx := context.Background()
	store := seed()
	store.PutReview(market.Review{ID: "r1", AuthorID: "a", ServiceID: "s1", Rating: 5, IsVerifiedPurchase: true})
	store.PutReview(market.Review{ID: "r2", AuthorID: "b", ServiceID: "s1", Rating: 3, IsVerifiedPurchase: true})
	p := newPropagator(store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.OnDealCompleted(ctx, "d1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	summary, err := p.OnDealCompleted(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, summary.Granted)
	assert.Equal(t, 2, summary.Duplicates)

	assert.EqualValues(t, 15, score(t, store, "a"))
	assert.EqualValues(t, 10, score(t, store, "b"))
	assert.Len(t, store.SystemLogs(), 2)
}

func TestRewardsAccumulateAcrossDeals(t *testing.T) {
	ctx := context.Background()
	store := seed()
	store.PutDeal(market.Deal{ID: "d2", ClientID: "buyer", MasterID: "m1", ServiceID: "s1", Status: market.DealCompleted})
	store.PutReview(market.Review{ID: "r1", AuthorID: "a", ServiceID: "s1", Rating: 5, IsVerifiedPurchase: true})
	p := newPropagator(store, nil)

	_, err := p.OnDealCompleted(ctx, "d1")
	require.NoError(t, err)
	_, err = p.OnDealCompleted(ctx, "d2")
	require.NoError(t, err)

	assert.EqualValues(t, 30, score(t, store, "a"))
}

func TestIncompleteDealIsInvariantViolation(t *testing.T) {
	store := seed()
	store.PutDeal(market.Deal{ID: "d3", ClientID: "buyer", MasterID: "m1", ServiceID: "s1", Status: market.DealInProgress})

	_, err := newPropagator(store, nil).OnDealCompleted(context.Background(), "d3")
	assert.True(t, apperr.IsInvariant(err))
}

func TestGraphCircleSource(t *testing.T) {
	store := seed()
	store.PutReview(market.Review{ID: "r1", AuthorID: "stranger", ServiceID: "s1", Rating: 4, IsVerifiedPurchase: true})

	client := graph.NewMemoryClient()
	client.Push(graph.Record{"id": "stranger"})

	_, err := newPropagator(store, NewGraphCircleSource(client)).
		WithClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }).
		OnDealCompleted(context.Background(), "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, score(t, store, "stranger"))

	queries := client.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, "buyer", queries[0].Params["buyerId"])
}

func TestGraphCircleSourceFailure(t *testing.T) {
	store := seed()
	client := graph.NewMemoryClient().WithError(errors.New("bolt: connection refused"))

	_, err := newPropagator(store, NewGraphCircleSource(client)).OnDealCompleted(context.Background(), "d1")
	assert.ErrorIs(t, err, apperr.ErrDependency)
}

func TestSetUnion(t *testing.T) {
	s := NewSet([]string{"a", ""}, nil, []string{"b", "a"})
	assert.Len(t, s, 2)
	assert.True(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
	assert.False(t, s.Contains(""))
}

func TestRewardConvergesAfterLogFailure(t *testing.T) {
	ctx := context.Background()
	store := seed()
	store.PutReview(market.Review{ID: "r1", AuthorID: "a", ServiceID: "s1", Rating: 5, IsVerifiedPurchase: true})
	p := newPropagator(store, nil)

	store.FailSystemLogs(errors.New("log collection unavailable"))
	_, err := p.OnDealCompleted(ctx, "d1")
	assert.ErrorIs(t, err, apperr.ErrDependency)
	assert.Zero(t, score(t, store, "a"))
	assert.Empty(t, store.SystemLogs())

	store.FailSystemLogs(nil)
	summary, err := p.OnDealCompleted(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, summary.Granted, 1)
	assert.EqualValues(t, 15, score(t, store, "a"))

	logs := store.SystemLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, market.EventTrustReward, logs[0].EventType)
	assert.Equal(t, "a", logs[0].SubjectID)
}
