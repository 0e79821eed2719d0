package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"marketrust/internal/apperr"
	"marketrust/internal/audit"
	"marketrust/internal/market"
	"marketrust/internal/metrics"
)

// Store is what the trust rules read and write.
type Store interface {
	market.UserStore
	market.ListingStore
	market.DealStore
	market.ReviewStore
}

// Summary reports what one completed deal produced.
type Summary struct {
	DealID     string               `json:"deal_id"`
	Granted    []market.RewardGrant `json:"granted"`
	Duplicates int                  `json:"duplicates"`
}

// Propagator credits trust points to endorsement authors in the buyer's
// trusted set when a deal completes.
type Propagator struct {
	store    Store
	circles  CircleSource
	recorder *audit.Recorder
	metrics  *metrics.Collector
	log      zerolog.Logger
	nowFn    func() time.Time
}

// NewPropagator creates a Propagator. A nil circles reads the buyer's stored circles.
func NewPropagator(store Store, circles CircleSource, recorder *audit.Recorder, m *metrics.Collector, log zerolog.Logger) *Propagator {
	if circles == nil {
		circles = UserCircleSource{}
	}
	return &Propagator{
		store:    store,
		circles:  circles,
		recorder: recorder,
		metrics:  m,
		log:      log.With().Str("component", "trust").Logger(),
		nowFn:    time.Now,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (p *Propagator) WithClock(nowFn func() time.Time) *Propagator {
	if nowFn != nil {
		p.nowFn = nowFn
	}
	return p
}

// OnDealCompleted applies rewards for dealID. Grants are keyed by deal and
// author, so a redelivered completion never applies a reward twice.
func (p *Propagator) OnDealCompleted(ctx context.Context, dealID string) (Summary, error) {
	const op = "trust.OnDealCompleted"
	summary := Summary{DealID: dealID}

	deal, err := p.store.GetDeal(ctx, dealID)
	if errors.Is(err, market.ErrNotFound) {
		return summary, apperr.Invariant("", op, "deal %s does not exist", dealID)
	}
	if err != nil {
		return summary, apperr.Dependency(op, err)
	}
	if deal.Status != market.DealCompleted {
		return summary, apperr.Invariant("", op, "deal %s is %s, not completed", dealID, deal.Status)
	}

	buyer, err := p.store.GetUser(ctx, deal.ClientID)
	if errors.Is(err, market.ErrNotFound) {
		return summary, apperr.Invariant("", op, "buyer %s does not exist", deal.ClientID)
	}
	if err != nil {
		return summary, apperr.Dependency(op, err)
	}

	trusted, err := p.circles.Circle(ctx, buyer)
	if err != nil {
		return summary, apperr.Dependency(op, err)
	}
	if len(trusted) == 0 {
		return summary, nil
	}

	reviews, err := p.store.VerifiedReviewsForService(ctx, deal.ServiceID)
	if err != nil {
		return summary, apperr.Dependency(op, err)
	}

	var errs *multierror.Error
	for _, r := range reviews {
		if !r.IsVerifiedPurchase || r.AuthorID == buyer.ID || !trusted.Contains(r.AuthorID) {
			continue
		}

		grant := market.RewardGrant{
			DealID:    deal.ID,
			AuthorID:  r.AuthorID,
			ReviewID:  r.ID,
			Points:    Points(r.Rating),
			GrantedAt: p.nowFn().UTC(),
		}
		entry := p.recorder.Entry(r.AuthorID, market.EventTrustReward,
			"Trust score %+d for endorsing service %s (deal %s, rating %d)",
			grant.Points, deal.ServiceID, deal.ID, r.Rating)
		applied, err := p.store.GrantReward(ctx, grant, entry)
		if errors.Is(err, market.ErrNotFound) {
			p.log.Warn().Str("deal_id", deal.ID).Str("author_id", r.AuthorID).Msg("endorsement author no longer exists")
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("grant to %s: %w", r.AuthorID, err))
			continue
		}
		if !applied {
			summary.Duplicates++
			continue
		}

		summary.Granted = append(summary.Granted, grant)
		p.metrics.RewardGranted(grant.Points)
		p.log.Info().
			Str("deal_id", deal.ID).
			Str("author_id", r.AuthorID).
			Int64("points", grant.Points).
			Msg("trust reward granted")
	}

	if err := errs.ErrorOrNil(); err != nil {
		return summary, apperr.Dependency(op, err)
	}
	return summary, nil
}
