package meta

import "bybit-trading-core/pkg/types"

// ConflictResolver keeps at most one signal per tick when multiple
// strategies disagree: highest confidence wins, ties broken by the
// strategy priority list order (§4.E.4).
type ConflictResolver struct {
	priority map[string]int // strategy id -> rank, lower is higher priority
}

// NewConflictResolver builds a resolver from an ordered priority list.
func NewConflictResolver(priorityOrder []string) *ConflictResolver {
	priority := make(map[string]int, len(priorityOrder))
	for i, id := range priorityOrder {
		priority[id] = i
	}
	return &ConflictResolver{priority: priority}
}

// Resolve picks the winning signal among survivors that agree in direction,
// or the higher-confidence side when they oppose.
func (r *ConflictResolver) Resolve(signals []types.Signal) *types.Signal {
	if len(signals) == 0 {
		return nil
	}
	best := signals[0]
	for _, sig := range signals[1:] {
		if sig.Direction == best.Direction {
			if sig.Confidence > best.Confidence {
				best = sig
			}
			continue
		}
		// Opposing direction: higher confidence wins, ties by priority.
		switch {
		case sig.Confidence > best.Confidence:
			best = sig
		case sig.Confidence == best.Confidence && r.rank(sig.StrategyID) < r.rank(best.StrategyID):
			best = sig
		}
	}
	result := best
	return &result
}

func (r *ConflictResolver) rank(strategyID string) int {
	if rank, ok := r.priority[strategyID]; ok {
		return rank
	}
	return len(r.priority) + 1
}
