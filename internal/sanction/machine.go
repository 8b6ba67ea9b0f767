// Package sanction implements the deterministic escalation state machine.
// It is pure: transitions depend only on the current state and the ordinal
// count handed in by the recidivism classifier.
package sanction

import (
	"fmt"

	"github.com/camposec/vigil/internal/domain"
)

var rank = map[domain.SanctionState]int{
	domain.StateClean:    0,
	domain.StateNotified: 1,
	domain.StateWarned:   2,
	domain.StateBlocked:  3,
}

// StateForOrdinal maps a qualifying-offense count to its sanction tier:
// 0 CLEAN, 1 NOTIFIED, 2 WARNED, >=3 BLOCKED.
func StateForOrdinal(ordinal int) domain.SanctionState {
	switch {
	case ordinal <= 0:
		return domain.StateClean
	case ordinal == 1:
		return domain.StateNotified
	case ordinal == 2:
		return domain.StateWarned
	default:
		return domain.StateBlocked
	}
}

// Result is the outcome of a transition. Changed reports whether the stored
// state must be rewritten. Effects are emitted even when Changed is false:
// a repeat offense on a BLOCKED vehicle re-emits the idempotent BLOCK.
type Result struct {
	Next    domain.SanctionState
	Effects []domain.EffectType
	Changed bool
}

// Transition advances current according to ordinal. An ordinal whose tier is
// below the current state signals ledger/state drift and fails with
// domain.ErrStateDrift; the machine never walks a state backward on its own.
func Transition(current domain.SanctionState, ordinal int) (Result, error) {
	if _, ok := rank[current]; !ok {
		return Result{}, fmt.Errorf("unknown sanction state %q", current)
	}
	if ordinal < 0 {
		return Result{}, fmt.Errorf("%w: negative ordinal %d", domain.ErrInvalidInput, ordinal)
	}

	tier := StateForOrdinal(ordinal)
	if rank[tier] < rank[current] {
		return Result{}, fmt.Errorf("%w: ordinal %d implies %s but state is %s", domain.ErrStateDrift, ordinal, tier, current)
	}

	if rank[tier] > rank[current] {
		return Result{Next: tier, Effects: []domain.EffectType{effectFor(tier)}, Changed: true}, nil
	}

	// Same tier. BLOCKED stays terminal and keeps re-emitting BLOCK so the
	// access-control consumer is re-asserted on every repeat offense.
	if current == domain.StateBlocked {
		return Result{Next: current, Effects: []domain.EffectType{domain.EffectBlock}}, nil
	}
	return Result{Next: current}, nil
}

func effectFor(state domain.SanctionState) domain.EffectType {
	switch state {
	case domain.StateNotified:
		return domain.EffectNotify
	case domain.StateWarned:
		return domain.EffectWarn
	default:
		return domain.EffectBlock
	}
}
