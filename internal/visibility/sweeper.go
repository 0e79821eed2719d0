package visibility

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"marketrust/internal/apperr"
	"marketrust/internal/metrics"
)

const defaultSweepWorkers = 8

// SweepResult summarizes one sweep.
type SweepResult struct {
	Masters     int                `json:"masters"`
	Transitions map[Transition]int `json:"transitions"`
	Failures    int                `json:"failures"`
}

// Sweeper re-evaluates every master. It is driven by an external scheduler
// and tolerates duplicate or late ticks because Apply is idempotent.
type Sweeper struct {
	machine *Machine
	workers int
	metrics *metrics.Collector
	log     zerolog.Logger
}

// NewSweeper creates a Sweeper running up to workers masters at a time.
func NewSweeper(machine *Machine, workers int, m *metrics.Collector, log zerolog.Logger) *Sweeper {
	if workers <= 0 {
		workers = defaultSweepWorkers
	}
	return &Sweeper{
		machine: machine,
		workers: workers,
		metrics: m,
		log:     log.With().Str("component", "visibility_sweeper").Logger(),
	}
}

// Run applies the machine to every master. A failing master never stops the
// sweep; failures are returned together once all masters were visited.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	result := SweepResult{Transitions: make(map[Transition]int)}

	ids, err := s.machine.store.ListMasterIDs(ctx)
	if err != nil {
		return result, apperr.Dependency("visibility.Sweep", err)
	}
	result.Masters = len(ids)

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	pool := workerpool.New(s.workers)
	for _, id := range ids {
		id := id
		pool.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			out, err := s.machine.Apply(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if out.Transition != TransitionNone {
					result.Transitions[out.Transition]++
				}
			case apperr.IsInvariant(err):
				s.log.Debug().Err(err).Str("master_id", id).Msg("skipping master")
			default:
				result.Failures++
				errs = multierror.Append(errs, fmt.Errorf("master %s: %w", id, err))
			}
		})
	}
	pool.StopWait()

	if ctx.Err() != nil {
		errs = multierror.Append(errs, ctx.Err())
	}

	s.metrics.SweepFinished(time.Since(start), result.Failures)
	s.log.Info().
		Int("masters", result.Masters).
		Int("failures", result.Failures).
		Dur("duration", time.Since(start)).
		Msg("visibility sweep finished")

	return result, errs.ErrorOrNil()
}
