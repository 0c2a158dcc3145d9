package poller

import (
	"context"
	"time"

	"consistency-checker/internal/models"
)

// DefaultQuantum is how long the poller waits between two checks of the same entity
const DefaultQuantum = time.Second

// State is the poller state for one entity
type State string

// Poller states. Converged, GaveUp, Failed and Cancelled are terminal.
const (
	StateChecking  State = "CHECKING"
	StateWaiting   State = "WAITING"
	StateConverged State = "CONVERGED"
	StateGaveUp    State = "GAVE_UP"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// CheckFunc fetches fresh snapshots of one entity and reconciles them.
// An error means the fetch itself failed; discrepancies are returned as data.
type CheckFunc func(ctx context.Context) (models.ValidationResult, error)

// Outcome is what the poller observed for one entity
type Outcome struct {
	State    State
	Result   models.ValidationResult
	Attempts int
}

// Poller re-runs a check until it reports consistent or the wait budget runs out
type Poller struct {
	// Quantum is the fixed wait between checks. Zero means DefaultQuantum.
	Quantum time.Duration

	// OnRetry, when set, is called before each wait with the attempt just made.
	OnRetry func(attempt int, last models.ValidationResult)
}

// New creates a poller with the default one second quantum
func New() *Poller {
	return &Poller{Quantum: DefaultQuantum}
}

// PollUntilConsistent runs check immediately and then once per quantum while it stays
// inconsistent, spending at most maxWaitSeconds quanta. With a budget of N an entity that
// never converges is checked exactly N+1 times and the last discrepancies are returned.
//
// A check error stops polling at once: retries are for convergence, not for outages.
// Cancelling ctx abandons the remaining budget.
func (p *Poller) PollUntilConsistent(ctx context.Context, check CheckFunc, maxWaitSeconds int) (Outcome, error) {
	quantum := p.Quantum
	if quantum <= 0 {
		quantum = DefaultQuantum
	}

	remaining := maxWaitSeconds
	out := Outcome{State: StateChecking}

	for {
		if err := ctx.Err(); err != nil {
			out.State = StateCancelled
			return out, err
		}

		result, err := check(ctx)
		out.Attempts++
		if err != nil {
			out.State = StateFailed
			return out, err
		}
		out.Result = result

		if result.Consistent() {
			out.State = StateConverged
			return out, nil
		}

		if remaining <= 0 {
			out.State = StateGaveUp
			return out, nil
		}

		out.State = StateWaiting
		if p.OnRetry != nil {
			p.OnRetry(out.Attempts, result)
		}

		timer := time.NewTimer(quantum)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.State = StateCancelled
			return out, ctx.Err()
		case <-timer.C:
		}

		remaining--
		out.State = StateChecking
	}
}
