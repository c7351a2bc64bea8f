package locate

import (
	"sort"

	"github.com/markus-lassfolk/locationd/pkg/logx"
)

// StrategyRegistry is the ordered catalog of acquisition strategies. It
// filters the catalog against a capability snapshot and the permission
// state, and truncates to cheaper strategies on worse capability.
type StrategyRegistry struct {
	strategies []Strategy
	logger     *logx.Logger
}

func NewStrategyRegistry(logger *logx.Logger) *StrategyRegistry {
	return &StrategyRegistry{logger: logger}
}

// Register adds a strategy to the catalog. Registration order does not
// matter; recommendation order follows descriptor priority.
func (sr *StrategyRegistry) Register(s Strategy) {
	sr.strategies = append(sr.strategies, s)
	sr.logger.Info("strategy_registered",
		"strategy", s.Descriptor().ID,
		"class", s.Descriptor().Class.String(),
		"priority", s.Descriptor().Priority,
	)
}

// All returns every registered strategy in priority order.
func (sr *StrategyRegistry) All() []Strategy {
	out := make([]Strategy, len(sr.strategies))
	copy(out, sr.strategies)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Descriptor().Priority < out[j].Descriptor().Priority
	})
	return out
}

// ByID returns the strategy with the given descriptor ID, or nil.
func (sr *StrategyRegistry) ByID(id string) Strategy {
	for _, s := range sr.strategies {
		if s.Descriptor().ID == id {
			return s
		}
	}
	return nil
}

// WatchByID returns the watch-capable strategy with the given ID, or nil.
func (sr *StrategyRegistry) WatchByID(id string) WatchStrategy {
	if s, ok := sr.ByID(id).(WatchStrategy); ok {
		return s
	}
	return nil
}

// Recommended returns the ordered subset of strategies worth attempting for
// the given snapshot. Strategies requiring permission are dropped when
// permission is denied; the list is truncated by capability level so a weak
// runtime attempts fewer, cheaper strategies.
func (sr *StrategyRegistry) Recommended(snapshot *CapabilitySnapshot) []Strategy {
	var out []Strategy

	for _, s := range sr.All() {
		desc := s.Descriptor()

		if desc.RequiresPermission && snapshot.PermissionState == PermissionDenied {
			continue
		}
		if !classAllowed(desc.Class, snapshot.CapabilityLevel) {
			continue
		}
		out = append(out, s)
	}

	sr.logger.LogDebugVerbose("strategies_recommended", map[string]interface{}{
		"capability": snapshot.CapabilityLevel.String(),
		"permission": snapshot.PermissionState.String(),
		"count":      len(out),
	})

	return out
}

// classAllowed applies the capability truncation ladder: None and Poor keep
// only cache and IP strategies, Acceptable adds network positioning, Good
// and better allow everything including device hardware.
func classAllowed(class StrategyClass, level CapabilityLevel) bool {
	switch level {
	case CapabilityNone, CapabilityPoor:
		return class == ClassCache || class == ClassIP
	case CapabilityAcceptable:
		return class != ClassDevice
	default:
		return true
	}
}
