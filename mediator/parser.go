package mediator

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/backtest/lens"
	"github.com/c360studio/backtest/llm"
)

// JSONParser parses mediator output that carries the analysis as a JSON
// object, optionally inside a markdown code fence.
type JSONParser struct {
	// Lenses fills Meta.ActiveLenses from the context mode when the
	// mediator omits it. May be nil.
	Lenses lens.Table
}

// NewJSONParser creates a parser that backfills active lenses from table.
func NewJSONParser(table lens.Table) *JSONParser {
	return &JSONParser{Lenses: table}
}

// Parse extracts and validates an Analysis from raw mediator output.
func (p *JSONParser) Parse(raw, contextMode string) (*Analysis, error) {
	content := llm.ExtractJSON(raw)
	if content == "" {
		return nil, fmt.Errorf("%w: no JSON object found", ErrUnparseable)
	}

	var a Analysis
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	// A lens key with a null or empty value did not fire.
	for id, r := range a.Lenses {
		if len(r) == 0 {
			delete(a.Lenses, id)
		}
	}
	if len(a.Lenses) == 0 {
		a.Lenses = nil
	}

	if len(a.Meta.ActiveLenses) == 0 && p.Lenses != nil {
		a.Meta.ActiveLenses = p.Lenses.ActiveLenses(contextMode)
	}

	return &a, nil
}
