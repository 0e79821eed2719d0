package visibility

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"marketrust/internal/apperr"
	"marketrust/internal/audit"
	"marketrust/internal/market"
	"marketrust/internal/metrics"
	"marketrust/internal/notify"
)

// Policy selects how insolvency is handled. One policy is active per process.
type Policy string

const (
	// PolicyGraced keeps an insolvent master visible for 24 hours while
	// sending escalating notices, then hides them.
	PolicyGraced Policy = "graced"
	// PolicyImmediate hides an insolvent master on the spot.
	PolicyImmediate Policy = "immediate"
)

// ParsePolicy accepts "graced" or "immediate"; empty means graced.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyGraced:
		return PolicyGraced, nil
	case PolicyImmediate:
		return PolicyImmediate, nil
	default:
		return "", fmt.Errorf("unknown visibility policy %q", s)
	}
}

// Grace windows, measured from the low balance anchor.
const (
	lowNoticeWindow = time.Hour
	urgentFrom      = 18 * time.Hour
	finalFrom       = 23 * time.Hour
	gracePeriod     = 24 * time.Hour
)

// stageFor returns the stage whose window contains elapsed, or StageNone
// between windows.
func stageFor(elapsed time.Duration) market.Stage {
	switch {
	case elapsed < 0:
		return market.StageNone
	case elapsed < lowNoticeWindow:
		return market.StageLowNotice
	case elapsed >= urgentFrom && elapsed < urgentFrom+time.Hour:
		return market.StageUrgent
	case elapsed >= finalFrom && elapsed < gracePeriod:
		return market.StageFinal
	case elapsed >= gracePeriod:
		return market.StageHidden
	default:
		return market.StageNone
	}
}

var stageNotices = map[market.Stage]notify.Message{
	market.StageLowNotice: notify.LowBalanceAlert,
	market.StageUrgent:    notify.UrgentNotice,
	market.StageFinal:     notify.FinalWarning,
}

// Transition names the effect Apply had on a master.
type Transition string

const (
	TransitionNone        Transition = "none"
	TransitionGraceStart  Transition = "grace_started"
	TransitionNotice      Transition = "notice"
	TransitionHidden      Transition = "hidden"
	TransitionRestored    Transition = "restored"
	TransitionGraceClosed Transition = "grace_cleared"
)

// Outcome reports what Apply decided and did.
type Outcome struct {
	Decision   Decision     `json:"decision"`
	Transition Transition   `json:"transition"`
	Notice     market.Stage `json:"notice,omitempty"`
}

// Machine applies the visibility policy to one master at a time. Every side
// effect is gated by a conditional write, so concurrent or repeated calls
// emit each log and notification at most once.
type Machine struct {
	store     Store
	evaluator *Evaluator
	policy    Policy
	recorder  *audit.Recorder
	notices   *notify.Deliverer
	metrics   *metrics.Collector
	log       zerolog.Logger
	nowFn     func() time.Time
}

// NewMachine creates a Machine for policy.
func NewMachine(store Store, policy Policy, recorder *audit.Recorder, notices *notify.Deliverer, m *metrics.Collector, log zerolog.Logger) *Machine {
	if policy == "" {
		policy = PolicyGraced
	}
	return &Machine{
		store:     store,
		evaluator: NewEvaluator(store),
		policy:    policy,
		recorder:  recorder,
		notices:   notices,
		metrics:   m,
		log:       log.With().Str("component", "visibility").Str("policy", string(policy)).Logger(),
		nowFn:     time.Now,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (m *Machine) WithClock(nowFn func() time.Time) *Machine {
	if nowFn != nil {
		m.nowFn = nowFn
	}
	return m
}

// Policy returns the active policy.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Stored timestamps have microsecond precision; the anchor is compared for
// equality on later writes.
func (m *Machine) now() time.Time {
	return m.nowFn().UTC().Truncate(time.Microsecond)
}

// Apply evaluates masterID and performs at most one state transition.
func (m *Machine) Apply(ctx context.Context, masterID string) (Outcome, error) {
	const op = "visibility.Apply"

	user, err := loadMaster(ctx, m.store, op, masterID)
	if err != nil {
		return Outcome{Transition: TransitionNone}, err
	}
	decision, err := m.evaluator.decide(ctx, op, user)
	if err != nil {
		return Outcome{Transition: TransitionNone}, err
	}

	out := Outcome{Decision: decision, Transition: TransitionNone}
	if m.policy == PolicyImmediate {
		err = m.applyImmediate(ctx, user, &out)
	} else {
		err = m.applyGraced(ctx, user, &out)
	}
	if err != nil {
		return out, err
	}
	if out.Transition != TransitionNone {
		m.metrics.VisibilityTransition(string(out.Transition))
	}
	return out, nil
}

func (m *Machine) applyImmediate(ctx context.Context, user *market.User, out *Outcome) error {
	switch {
	case out.Decision.IsSolvent && !user.IsVisible:
		return m.restore(ctx, user, out)
	case !out.Decision.IsSolvent && user.IsVisible:
		return m.hide(ctx, user, out, "Master hidden due to low balance")
	}
	return nil
}

func (m *Machine) applyGraced(ctx context.Context, user *market.User, out *Outcome) error {
	const op = "visibility.applyGraced"

	if out.Decision.IsSolvent {
		if user.LowBalanceSince != nil || user.LowBalanceStage != market.StageNone {
			if err := m.store.ClearLowBalance(ctx, user.ID); err != nil {
				return apperr.Dependency(op, err)
			}
			out.Transition = TransitionGraceClosed
		}
		if !user.IsVisible {
			return m.restore(ctx, user, out)
		}
		return nil
	}

	now := m.now()
	since, stage := user.LowBalanceSince, user.LowBalanceStage
	if since == nil {
		won, err := m.store.StartLowBalance(ctx, user.ID, now)
		if err != nil {
			return apperr.Dependency(op, err)
		}
		if won {
			since, stage = &now, market.StageNone
			out.Transition = TransitionGraceStart
			m.log.Info().Str("master_id", user.ID).Int64("balance", user.DepositBalance).
				Float64("threshold", out.Decision.Threshold).Msg("low balance grace period started")
		} else {
			fresh, err := m.store.GetUser(ctx, user.ID)
			if err != nil {
				return apperr.Dependency(op, err)
			}
			if fresh.LowBalanceSince == nil {
				return nil
			}
			user = fresh
			since, stage = fresh.LowBalanceSince, fresh.LowBalanceStage
		}
	}

	target := stageFor(now.Sub(*since))
	if target == market.StageNone || target.Rank() <= stage.Rank() {
		return nil
	}

	if target == market.StageHidden {
		if user.IsVisible {
			if err := m.hide(ctx, user, out, "Master hidden due to low balance for >24h"); err != nil {
				return err
			}
		}
		if _, err := m.store.AdvanceLowBalanceStage(ctx, user.ID, *since, stage, market.StageHidden); err != nil {
			return apperr.Dependency(op, err)
		}
		return nil
	}

	won, err := m.store.AdvanceLowBalanceStage(ctx, user.ID, *since, stage, target)
	if err != nil {
		return apperr.Dependency(op, err)
	}
	if !won {
		return nil
	}
	out.Transition = TransitionNotice
	out.Notice = target
	m.metrics.EscalationNotice(string(target))
	m.notices.Deliver(ctx, user.ID, stageNotices[target])
	return nil
}

func (m *Machine) hide(ctx context.Context, user *market.User, out *Outcome, reason string) error {
	const op = "visibility.hide"

	entry := m.recorder.Entry(user.ID, market.EventVisibleHidden,
		"%s. Balance: %d, Threshold: %g", reason, user.DepositBalance, out.Decision.Threshold)
	won, err := m.store.SetVisibility(ctx, user.ID, true, false, entry)
	if err != nil {
		return apperr.Dependency(op, err)
	}
	if !won {
		return nil
	}
	out.Transition = TransitionHidden
	m.log.Info().Str("master_id", user.ID).Int64("balance", user.DepositBalance).
		Float64("threshold", out.Decision.Threshold).Msg("master hidden")
	m.notices.Deliver(ctx, user.ID, notify.ProfileHidden)
	return nil
}

func (m *Machine) restore(ctx context.Context, user *market.User, out *Outcome) error {
	const op = "visibility.restore"

	entry := m.recorder.Entry(user.ID, market.EventVisibleRestored,
		"Master visibility restored. Balance: %d, Threshold: %g", user.DepositBalance, out.Decision.Threshold)
	won, err := m.store.SetVisibility(ctx, user.ID, false, true, entry)
	if err != nil {
		return apperr.Dependency(op, err)
	}
	if !won {
		return nil
	}
	out.Transition = TransitionRestored
	m.log.Info().Str("master_id", user.ID).Int64("balance", user.DepositBalance).Msg("master visibility restored")
	m.notices.Deliver(ctx, user.ID, notify.BusinessOnline)
	return nil
}
