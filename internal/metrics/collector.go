package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "marketrust"

// Collector holds the rule metrics. A nil *Collector is a valid no-op.
type Collector struct {
	authAttempts          *prometheus.CounterVec
	visibilityTransitions *prometheus.CounterVec
	escalationNotices     *prometheus.CounterVec
	vipClassifications    *prometheus.CounterVec
	rewardsGranted        prometheus.Counter
	rewardPoints          prometheus.Counter
	reviewsVerified       prometheus.Counter
	eventsDispatched      *prometheus.CounterVec
	sweepDuration         prometheus.Histogram
	sweepFailures         prometheus.Counter
}

// NewCollector registers the collectors on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		authAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "auth_attempts_total",
			Help:      "counter for authentication attempts by result",
		}, []string{"result"}),
		visibilityTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "visibility",
			Name:      "transitions_total",
			Help:      "counter for applied master visibility transitions",
		}, []string{"transition"}),
		escalationNotices: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "visibility",
			Name:      "escalation_notices_total",
			Help:      "counter for graced escalation notices claimed",
		}, []string{"stage"}),
		vipClassifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vip",
			Name:      "classifications_total",
			Help:      "counter for client reclassifications by outcome",
		}, []string{"vip"}),
		rewardsGranted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "rewards_granted_total",
			Help:      "counter for applied trust reward grants",
		}),
		rewardPoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "reward_points_abs_total",
			Help:      "sum of absolute trust points applied",
		}),
		reviewsVerified: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "reviews_verified_total",
			Help:      "counter for reviews marked as verified purchases",
		}),
		eventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "counter for dispatched events by kind and outcome",
		}, []string{"kind", "outcome"}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "visibility",
			Name:      "sweep_duration_seconds",
			Help:      "duration of a full visibility sweep",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		sweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "visibility",
			Name:      "sweep_master_failures_total",
			Help:      "counter for masters that failed during a sweep",
		}),
	}
}

func (c *Collector) AuthAttempt(result string) {
	if c == nil {
		return
	}
	c.authAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) VisibilityTransition(transition string) {
	if c == nil {
		return
	}
	c.visibilityTransitions.WithLabelValues(transition).Inc()
}

func (c *Collector) EscalationNotice(stage string) {
	if c == nil {
		return
	}
	c.escalationNotices.WithLabelValues(stage).Inc()
}

func (c *Collector) VipClassified(isVip bool) {
	if c == nil {
		return
	}
	label := "false"
	if isVip {
		label = "true"
	}
	c.vipClassifications.WithLabelValues(label).Inc()
}

func (c *Collector) RewardGranted(points int64) {
	if c == nil {
		return
	}
	c.rewardsGranted.Inc()
	if points < 0 {
		points = -points
	}
	c.rewardPoints.Add(float64(points))
}

func (c *Collector) ReviewVerified() {
	if c == nil {
		return
	}
	c.reviewsVerified.Inc()
}

func (c *Collector) EventDispatched(kind, outcome string) {
	if c == nil {
		return
	}
	c.eventsDispatched.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) SweepFinished(d time.Duration, failures int) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(d.Seconds())
	c.sweepFailures.Add(float64(failures))
}
