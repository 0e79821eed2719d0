package trust

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"marketrust/internal/apperr"
	"marketrust/internal/audit"
	"marketrust/internal/market"
	"marketrust/internal/metrics"
)

// Verifier marks endorsements whose author has a deal with the listing's
// master. The flag only ever moves from false to true.
type Verifier struct {
	store    Store
	recorder *audit.Recorder
	metrics  *metrics.Collector
	log      zerolog.Logger
}

func NewVerifier(store Store, recorder *audit.Recorder, m *metrics.Collector, log zerolog.Logger) *Verifier {
	return &Verifier{
		store:    store,
		recorder: recorder,
		metrics:  m,
		log:      log.With().Str("component", "review_verifier").Logger(),
	}
}

// VerifyReview reports whether the review was newly marked as verified.
func (v *Verifier) VerifyReview(ctx context.Context, reviewID string) (bool, error) {
	const op = "trust.VerifyReview"

	review, err := v.store.GetReview(ctx, reviewID)
	if errors.Is(err, market.ErrNotFound) {
		return false, apperr.Invariant("", op, "review %s does not exist", reviewID)
	}
	if err != nil {
		return false, apperr.Dependency(op, err)
	}
	if review.IsVerifiedPurchase {
		return false, nil
	}

	listing, err := v.store.GetListing(ctx, review.ServiceID)
	if errors.Is(err, market.ErrNotFound) {
		return false, apperr.Invariant("", op, "listing %s does not exist", review.ServiceID)
	}
	if err != nil {
		return false, apperr.Dependency(op, err)
	}
	if listing.MasterID == review.AuthorID {
		return false, nil
	}

	ok, err := v.store.HasQualifyingDeal(ctx, review.AuthorID, listing.MasterID)
	if err != nil {
		return false, apperr.Dependency(op, err)
	}
	if !ok {
		return false, nil
	}

	entry := v.recorder.Entry(review.AuthorID, market.EventReviewVerified,
		"Review %s of service %s verified by a deal with master %s", review.ID, review.ServiceID, listing.MasterID)
	marked, err := v.store.MarkReviewVerified(ctx, review.ID, entry)
	if err != nil {
		return false, apperr.Dependency(op, err)
	}
	if !marked {
		return false, nil
	}

	v.metrics.ReviewVerified()
	v.log.Info().Str("review_id", review.ID).Str("author_id", review.AuthorID).Msg("review verified")
	return true, nil
}
