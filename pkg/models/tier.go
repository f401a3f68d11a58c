package models

// Tier represents a model cost tier for agent execution.
// Higher tiers are more capable and more expensive.
type Tier string

const (
	// TierT0 is the cheapest tier (cost weight 0).
	TierT0 Tier = "T0"
	// TierT1 is the standard tier (cost weight 1).
	TierT1 Tier = "T1"
	// TierT2 is the advanced tier (cost weight 2).
	TierT2 Tier = "T2"
	// TierT3 is the most capable tier (cost weight 3).
	TierT3 Tier = "T3"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierT0, TierT1, TierT2, TierT3:
		return true
	default:
		return false
	}
}

// Multiplier returns the cost weight for the tier.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierT1:
		return 1
	case TierT2:
		return 2
	case TierT3:
		return 3
	default:
		return 0
	}
}

// Rank returns the ordinal position of the tier for escalation ordering.
func (t Tier) Rank() int {
	switch t {
	case TierT1:
		return 1
	case TierT2:
		return 2
	case TierT3:
		return 3
	default:
		return 0
	}
}

// DefaultEscalationChain is the retry-indexed tier ladder used when a
// project does not configure its own.
func DefaultEscalationChain() []Tier {
	return []Tier{TierT0, TierT0, TierT1, TierT2, TierT3}
}

// TierForRetry returns the tier for the given retry count, clamped to the
// end of the chain.
func TierForRetry(chain []Tier, retry int) Tier {
	if len(chain) == 0 {
		chain = DefaultEscalationChain()
	}
	if retry < 0 {
		retry = 0
	}
	if retry >= len(chain) {
		retry = len(chain) - 1
	}
	return chain[retry]
}
