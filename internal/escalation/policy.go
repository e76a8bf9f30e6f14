// Package escalation decides how much context a category has earned.
package escalation

// Tier is the context level selected for a category.
type Tier int

const (
	// Mechanical serves only the deterministic outcome summary.
	Mechanical Tier = iota
	// Intelligent adds a generated narrative briefing.
	Intelligent
)

func (t Tier) String() string {
	switch t {
	case Intelligent:
		return "INTELLIGENT"
	default:
		return "MECHANICAL"
	}
}

const (
	DefaultThreshold       = 2
	DefaultRefreshInterval = 1
)

// Policy maps attempt counts to tiers and refresh windows.
type Policy struct {
	// Threshold is the attempt count at which a category escalates.
	Threshold int
	// RefreshInterval is how many further attempts a briefing stays fresh.
	RefreshInterval int
}

// Default returns the policy with documented defaults.
func Default() Policy {
	return Policy{Threshold: DefaultThreshold, RefreshInterval: DefaultRefreshInterval}
}

// Normalize replaces non-positive fields with defaults.
func (p Policy) Normalize() Policy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if p.RefreshInterval <= 0 {
		p.RefreshInterval = DefaultRefreshInterval
	}
	return p
}

// Tier returns Mechanical below the threshold and Intelligent at or above it.
func (p Policy) Tier(attempts int) Tier {
	p = p.Normalize()
	if attempts >= p.Threshold {
		return Intelligent
	}
	return Mechanical
}

// Window returns the refresh window attempts falls into, or -1 while the
// category is still mechanical. A briefing from an earlier window is stale.
func (p Policy) Window(attempts int) int {
	p = p.Normalize()
	if attempts < p.Threshold {
		return -1
	}
	return (attempts - p.Threshold) / p.RefreshInterval
}

// Stale reports whether a briefing generated at generatedAt attempts is out of
// date now that the category has reached attempts.
func (p Policy) Stale(generatedAt, attempts int) bool {
	return p.Window(attempts) > p.Window(generatedAt)
}
