package trust

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrust/internal/apperr"
	"marketrust/internal/audit"
	"marketrust/internal/market"
	"marketrust/internal/store/memory"
)

func newVerifier(store *memory.Store) *Verifier {
	return NewVerifier(store, audit.NewRecorder(zerolog.Nop()), nil, zerolog.Nop())
}

func TestVerifyReviewWithQualifyingDeal(t *testing.T) {
	ctx := context.Background()
	for _, status := range []market.DealStatus{market.DealPending, market.DealAccepted, market.DealInProgress, market.DealCompleted} {
		t.Run(string(status), func(t *testing.T) {
			store := seed()
			store.PutDeal(market.Deal{ID: "d9", ClientID: "a", MasterID: "m1", ServiceID: "s1", Status: status})
			store.PutReview(market.Review{ID: "r1", AuthorID: "a", ServiceID: "s1", Rating: 5})

			marked, err := newVerifier(store).VerifyReview(ctx, "r1")
			require.NoError(t, err)
			assert.True(t, marked)

			r, _ := store.GetReview(ctx, "r1")
			assert.True(t, r.IsVerifiedPurchase)
			require.Len(t, store.SystemLogs(), 1)
			assert.Equal(t, market.EventReviewVerified, store.SystemLogs()[0].EventType)
		})
	}
}

func TestVerifyReviewWithoutDeal(t *testing.T) {
	ctx := context.Background()
	store := seed()
	store.PutDeal(market.Deal{ID: "d9", ClientID: "a", MasterID: "m1", ServiceID: "s1", Status: market.DealCancelled})
	store.PutReview(market.Review{ID: "r1", AuthorID: "a", ServiceID: "s1", Rating: 5})

	marked, err := newVerifier(store).VerifyReview(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, marked)

	r, _ := store.GetReview(ctx, "r1")
	assert.False(t, r.IsVerifiedPurchase)
}

func TestVerifyReviewIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := seed()
	store.PutReview(market.Review{ID: "r1", AuthorID: "a", ServiceID: "s1", Rating: 5, IsVerifiedPurchase: true})

	marked, err := newVerifier(store).VerifyReview(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, marked)

	r, _ := store.GetReview(ctx, "r1")
	assert.True(t, r.IsVerifiedPurchase)
	assert.Empty(t, store.SystemLogs())
}

func TestVerifyReviewRetriesAfterLogFailure(t *testing.T) {
	ctx := context.Background()
	store := seed()
	store.PutDeal(market.Deal{ID: "d9", ClientID: "a", MasterID: "m1", ServiceID: "s1", Status: market.DealCompleted})
	store.PutReview(market.Review{ID: "r1", AuthorID: "a", ServiceID: "s1", Rating: 5})
	v := newVerifier(store)

	store.FailSystemLogs(errors.New("log collection unavailable"))
	marked, err := v.VerifyReview(ctx, "r1")
	assert.ErrorIs(t, err, apperr.ErrDependency)
	assert.False(t, marked)
	r, _ := store.GetReview(ctx, "r1")
	assert.False(t, r.IsVerifiedPurchase)
	assert.Empty(t, store.SystemLogs())

	store.FailSystemLogs(nil)
	marked, err = v.VerifyReview(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, marked)
	r, _ = store.GetReview(ctx, "r1")
	assert.True(t, r.IsVerifiedPurchase)
	require.Len(t, store.SystemLogs(), 1)
}
