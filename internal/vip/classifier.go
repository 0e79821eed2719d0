// Package vip classifies clients by their recent deal volume.
package vip

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"marketrust/internal/apperr"
	"marketrust/internal/audit"
	"marketrust/internal/market"
	"marketrust/internal/metrics"
)

const (
	// Window is the trailing period deals are counted over.
	Window = 30 * 24 * time.Hour
	// Threshold is the number of deals within Window that makes a client VIP.
	Threshold = 10
)

// Store is what the classifier reads and writes.
type Store interface {
	market.UserStore
	market.DealStore
}

// Result is the outcome of one reclassification.
type Result struct {
	ClientID  string    `json:"client_id"`
	DealCount int       `json:"deal_count"`
	IsVip     bool      `json:"is_vip"`
	WasVip    bool      `json:"was_vip"`
	CheckedAt time.Time `json:"checked_at"`
}

// Changed reports whether the persisted flag flipped.
func (r Result) Changed() bool {
	return r.IsVip != r.WasVip
}

// Classifier recomputes a client's VIP flag after each new deal.
type Classifier struct {
	store    Store
	recorder *audit.Recorder
	metrics  *metrics.Collector
	log      zerolog.Logger
	nowFn    func() time.Time
}

func NewClassifier(store Store, recorder *audit.Recorder, m *metrics.Collector, log zerolog.Logger) *Classifier {
	return &Classifier{
		store:    store,
		recorder: recorder,
		metrics:  m,
		log:      log.With().Str("component", "vip").Logger(),
		nowFn:    time.Now,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (c *Classifier) WithClock(nowFn func() time.Time) *Classifier {
	if nowFn != nil {
		c.nowFn = nowFn
	}
	return c
}

// Reclassify counts the client's deals created in the trailing window,
// including the one that triggered the call, and persists the result.
func (c *Classifier) Reclassify(ctx context.Context, clientID string) (Result, error) {
	const op = "vip.Reclassify"

	user, err := c.store.GetUser(ctx, clientID)
	if errors.Is(err, market.ErrNotFound) {
		return Result{}, apperr.Invariant("", op, "user %s does not exist", clientID)
	}
	if err != nil {
		return Result{}, apperr.Dependency(op, err)
	}
	if user.Role != market.RoleClient {
		return Result{}, apperr.Invariant(apperr.CodeRoleMismatch, op, "user %s has role %q, want client", clientID, user.Role)
	}

	now := c.nowFn().UTC()
	count, err := c.store.CountDealsSince(ctx, clientID, now.Add(-Window))
	if err != nil {
		return Result{}, apperr.Dependency(op, err)
	}

	res := Result{ClientID: clientID, DealCount: count, IsVip: count >= Threshold, CheckedAt: now}
	entry := c.recorder.Entry(clientID, market.EventVipChanged,
		"VIP status changed to %t with %d deals in the last 30 days", res.IsVip, count)
	res.WasVip, err = c.store.UpdateVipStatus(ctx, clientID, res.IsVip, count, now, entry)
	if err != nil {
		return Result{}, apperr.Dependency(op, err)
	}
	c.metrics.VipClassified(res.IsVip)

	if res.Changed() {
		c.log.Info().Str("client_id", clientID).Int("deal_count", count).Bool("is_vip", res.IsVip).Msg("vip status changed")
	}
	return res, nil
}
