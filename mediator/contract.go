package mediator

import (
	"context"
	"errors"

	"github.com/c360studio/backtest/scenario"
)

// HistoryEntry is one prior message of the conversation fed to the mediator.
type HistoryEntry struct {
	SenderID   scenario.Speaker `json:"sender_id"`
	SenderName string           `json:"sender_name"`
	Content    string           `json:"content"`
}

// Request carries everything the mediation call needs for one message.
type Request struct {
	Message     string
	SenderID    scenario.Speaker
	SenderName  string
	OtherName   string
	History     []HistoryEntry
	ContextMode string
}

// Mediator is the external mediation call. The returned text is opaque until parsed.
type Mediator interface {
	Mediate(ctx context.Context, req Request) (string, error)
}

// ErrUnparseable marks raw mediator output that could not be turned into an Analysis.
var ErrUnparseable = errors.New("unparseable mediator output")

// Parser turns raw mediator output into an Analysis. Implementations return an
// error wrapping ErrUnparseable for malformed input and never panic.
type Parser interface {
	Parse(raw, contextMode string) (*Analysis, error)
}

// MediatorFunc adapts a function to the Mediator interface.
type MediatorFunc func(ctx context.Context, req Request) (string, error)

// Mediate calls f.
func (f MediatorFunc) Mediate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
