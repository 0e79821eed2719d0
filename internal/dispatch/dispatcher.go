package dispatch

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"marketrust/internal/apperr"
	"marketrust/internal/market"
	"marketrust/internal/metrics"
	"marketrust/internal/trust"
	"marketrust/internal/vip"
	"marketrust/internal/visibility"
)

type VisibilityRule interface {
	Apply(ctx context.Context, masterID string) (visibility.Outcome, error)
}

type VIPRule interface {
	Reclassify(ctx context.Context, clientID string) (vip.Result, error)
}

type RewardRule interface {
	OnDealCompleted(ctx context.Context, dealID string) (trust.Summary, error)
}

type ReviewRule interface {
	VerifyReview(ctx context.Context, reviewID string) (bool, error)
}

// Rules are the business rules events are routed to.
type Rules struct {
	Visibility VisibilityRule
	VIP        VIPRule
	Rewards    RewardRule
	Reviews    ReviewRule
}

// Dispatcher maps document changes to rules.
type Dispatcher struct {
	rules   Rules
	metrics *metrics.Collector
	log     zerolog.Logger
}

func NewDispatcher(rules Rules, m *metrics.Collector, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		rules:   rules,
		metrics: m,
		log:     log.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch runs the rule for ev. Invariant violations are logged and
// swallowed; input errors and dependency errors are returned, the latter so
// that the trigger runtime redelivers.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	log := d.log.With().Str("event_id", ev.ID).Str("kind", string(ev.Kind)).Str("document_id", ev.DocumentID).Logger()

	err := d.route(ctx, ev)
	switch {
	case err == nil:
		d.metrics.EventDispatched(string(ev.Kind), "ok")
		log.Debug().Msg("event dispatched")
		return nil
	case apperr.IsInvariant(err):
		d.metrics.EventDispatched(string(ev.Kind), "skipped")
		log.Info().Err(err).Msg("event skipped")
		return nil
	case apperr.KindOf(err) == apperr.KindInput:
		d.metrics.EventDispatched(string(ev.Kind), "rejected")
		log.Warn().Err(err).Msg("event rejected")
		return err
	default:
		d.metrics.EventDispatched(string(ev.Kind), "failed")
		log.Error().Err(err).Msg("event failed")
		return err
	}
}

func (d *Dispatcher) route(ctx context.Context, ev Event) error {
	const op = "dispatch.Dispatch"

	if ev.Kind == "" {
		return apperr.New(apperr.KindInput, apperr.CodeMissingInput, op, "event has no kind")
	}

	switch ev.Kind {
	case KindBalanceChanged:
		return d.balanceChanged(ctx, op, ev)
	case KindListingChanged:
		return d.listingChanged(ctx, op, ev)
	case KindDealCreated:
		return d.dealCreated(ctx, op, ev)
	case KindDealUpdated:
		return d.dealUpdated(ctx, op, ev)
	case KindReviewWritten:
		if ev.DocumentID == "" {
			return missingDocument(op, ev)
		}
		_, err := d.rules.Reviews.VerifyReview(ctx, ev.DocumentID)
		return err
	default:
		return apperr.New(apperr.KindInput, apperr.CodeUnknownEvent, op, "unknown event kind %q", ev.Kind)
	}
}

func (d *Dispatcher) balanceChanged(ctx context.Context, op string, ev Event) error {
	if ev.DocumentID == "" {
		return missingDocument(op, ev)
	}
	var after userDoc
	if err := decode(ev.After, &after); err != nil {
		return malformed(op, ev, err)
	}
	if after.Role != "" && after.Role != market.RoleMaster {
		return nil
	}
	_, err := d.rules.Visibility.Apply(ctx, ev.DocumentID)
	return err
}

// listingChanged re-evaluates the owning master, and the previous owner too
// when the listing moved between masters.
func (d *Dispatcher) listingChanged(ctx context.Context, op string, ev Event) error {
	var before, after listingDoc
	if err := decode(ev.Before, &before); err != nil {
		return malformed(op, ev, err)
	}
	if err := decode(ev.After, &after); err != nil {
		return malformed(op, ev, err)
	}

	masters := make([]string, 0, 2)
	if after.MasterID != "" {
		masters = append(masters, after.MasterID)
	}
	if before.MasterID != "" && before.MasterID != after.MasterID {
		masters = append(masters, before.MasterID)
	}
	if len(masters) == 0 {
		return apperr.New(apperr.KindInput, apperr.CodeMissingInput, op, "listing %s has no master_id", ev.DocumentID)
	}

	var errs *multierror.Error
	for _, id := range masters {
		if _, err := d.rules.Visibility.Apply(ctx, id); err != nil && !apperr.IsInvariant(err) {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return apperr.Dependency(op, err)
	}
	return nil
}

func (d *Dispatcher) dealCreated(ctx context.Context, op string, ev Event) error {
	var after dealDoc
	if err := decode(ev.After, &after); err != nil {
		return malformed(op, ev, err)
	}
	if after.ClientID == "" {
		return apperr.New(apperr.KindInput, apperr.CodeMissingInput, op, "deal %s has no client_id", ev.DocumentID)
	}
	_, err := d.rules.VIP.Reclassify(ctx, after.ClientID)
	return err
}

// dealUpdated fires the reward rule only on the transition into completed.
func (d *Dispatcher) dealUpdated(ctx context.Context, op string, ev Event) error {
	if ev.DocumentID == "" {
		return missingDocument(op, ev)
	}
	var before, after dealDoc
	if err := decode(ev.Before, &before); err != nil {
		return malformed(op, ev, err)
	}
	if err := decode(ev.After, &after); err != nil {
		return malformed(op, ev, err)
	}
	if before.Status == market.DealCompleted || after.Status != market.DealCompleted {
		return nil
	}
	_, err := d.rules.Rewards.OnDealCompleted(ctx, ev.DocumentID)
	return err
}

func missingDocument(op string, ev Event) error {
	return apperr.New(apperr.KindInput, apperr.CodeMissingInput, op, "%s event has no document_id", ev.Kind)
}

func malformed(op string, ev Event, err error) error {
	return apperr.Wrap(apperr.KindInput, apperr.CodeMalformedEvent, op, fmt.Errorf("decode %s snapshot: %w", ev.Kind, err))
}
