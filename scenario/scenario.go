// Package scenario defines the authored conflict-dialogue corpus that the
// harness replays through the mediator.
package scenario

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Speaker identifies which participant authored a turn.
type Speaker string

// The two participants of every scenario.
const (
	PersonA Speaker = "person_a"
	PersonB Speaker = "person_b"
)

// IsValid reports whether s is one of the two known participants.
func (s Speaker) IsValid() bool {
	return s == PersonA || s == PersonB
}

// Other returns the opposite participant.
func (s Speaker) Other() Speaker {
	if s == PersonA {
		return PersonB
	}
	return PersonA
}

// Persona describes one participant of a scenario.
type Persona struct {
	Name                  string   `json:"name" yaml:"name"`
	Role                  string   `json:"role" yaml:"role"`
	Backstory             string   `json:"backstory" yaml:"backstory"`
	EmotionalState        string   `json:"emotional_state" yaml:"emotional_state"`
	CommunicationPatterns []string `json:"communication_patterns,omitempty" yaml:"communication_patterns,omitempty"`
}

// Turn is one authored message in a scenario conversation.
type Turn struct {
	Speaker Speaker `json:"speaker" yaml:"speaker"`
	Content string  `json:"content" yaml:"content"`
	Number  int     `json:"number" yaml:"number"`
}

// Scenario is an authored multi-turn dialogue with planted ground-truth patterns.
// Scenarios are immutable once loaded.
type Scenario struct {
	ID                 string   `json:"id" yaml:"id"`
	Category           string   `json:"category" yaml:"category"`
	Title              string   `json:"title" yaml:"title"`
	Description        string   `json:"description" yaml:"description"`
	PersonaA           Persona  `json:"person_a" yaml:"person_a"`
	PersonaB           Persona  `json:"person_b" yaml:"person_b"`
	Trigger            string   `json:"trigger" yaml:"trigger"`
	PlantedPatterns    []string `json:"planted_patterns" yaml:"planted_patterns"`
	ExpectedTrajectory string   `json:"expected_trajectory" yaml:"expected_trajectory"`
	Turns              []Turn   `json:"turns" yaml:"turns"`
	Tags               []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Sentinel errors for scenario validation.
var (
	ErrIDRequired      = errors.New("scenario id is required")
	ErrInvalidID       = errors.New("invalid scenario id: must be lowercase alphanumeric with hyphens or underscores")
	ErrCategoryMissing = errors.New("scenario category is required")
	ErrNoTurns         = errors.New("scenario has no turns")
)

// idPattern keeps scenario ids safe to embed in file names.
var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]{0,78}[a-z0-9])?$`)

// ValidateID checks that id is non-empty and safe for use in file paths.
func ValidateID(id string) error {
	if id == "" {
		return ErrIDRequired
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) || !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Validate checks structural invariants of an authored scenario.
func (s *Scenario) Validate() error {
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	if s.Category == "" {
		return fmt.Errorf("%w: %s", ErrCategoryMissing, s.ID)
	}
	if len(s.Turns) == 0 {
		return fmt.Errorf("%w: %s", ErrNoTurns, s.ID)
	}
	for i, turn := range s.Turns {
		if !turn.Speaker.IsValid() {
			return fmt.Errorf("scenario %s turn %d: unknown speaker %q", s.ID, i+1, turn.Speaker)
		}
		if strings.TrimSpace(turn.Content) == "" {
			return fmt.Errorf("scenario %s turn %d: empty content", s.ID, i+1)
		}
		if turn.Number != i+1 {
			return fmt.Errorf("scenario %s: turn numbers must be sequential from 1, got %d at position %d", s.ID, turn.Number, i+1)
		}
	}
	return nil
}

// Persona returns the persona for a speaker.
func (s *Scenario) Persona(sp Speaker) Persona {
	if sp == PersonB {
		return s.PersonaB
	}
	return s.PersonaA
}

// HasTag reports whether the scenario carries tag.
func (s *Scenario) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
