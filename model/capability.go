// Package model provides capability-based model selection for the backtest
// harness. Callers ask for a capability (mediation, critique) and the registry
// resolves it to configured endpoints with a fallback chain.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityMediation runs the mediator pipeline under test.
	CapabilityMediation Capability = "mediation"

	// CapabilityCritique runs the meta-analyst that diagnoses weak turns.
	// It should resolve to a different model configuration than mediation.
	CapabilityCritique Capability = "critique"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityMediation, CapabilityCritique:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
