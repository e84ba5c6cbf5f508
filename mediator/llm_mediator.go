package mediator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/backtest/instructions"
	"github.com/c360studio/backtest/lens"
)

// Completer is the text-completion capability the LLM-backed mediator needs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLMMediator runs the mediator pipeline directly against a completion
// provider, using the instruction sections active for the context mode as the
// system prompt.
type LLMMediator struct {
	completer Completer
	registry  *instructions.Registry
	source    instructions.Source
	lenses    lens.Table
	logger    *slog.Logger
}

// NewLLMMediator creates a mediator that composes its instructions from source.
func NewLLMMediator(c Completer, registry *instructions.Registry, source instructions.Source, lenses lens.Table, logger *slog.Logger) *LLMMediator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMMediator{
		completer: c,
		registry:  registry,
		source:    source,
		lenses:    lenses,
		logger:    logger,
	}
}

// Mediate sends one message with its history and returns the raw response.
func (m *LLMMediator) Mediate(ctx context.Context, req Request) (string, error) {
	sections := m.registry.ActiveFor(m.lenses.ActiveLenses(req.ContextMode))
	system, err := instructions.Compose(ctx, m.source, sections)
	if err != nil {
		return "", fmt.Errorf("compose mediator instructions: %w", err)
	}

	m.logger.Debug("Mediating message",
		"mode", req.ContextMode,
		"sender", req.SenderID,
		"history", len(req.History),
		"sections", len(sections))

	return m.completer.Complete(ctx, system, UserPrompt(req))
}

// UserPrompt renders the per-message prompt sent to the mediator.
func UserPrompt(req Request) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Context mode: %s\n", req.ContextMode)
	fmt.Fprintf(&sb, "Participants: %s (sender) and %s\n\n", req.SenderName, req.OtherName)

	if len(req.History) > 0 {
		sb.WriteString("## Conversation so far\n\n")
		for _, h := range req.History {
			fmt.Fprintf(&sb, "%s: %s\n", h.SenderName, h.Content)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## New message\n\n")
	fmt.Fprintf(&sb, "%s: %s\n", req.SenderName, req.Message)

	return sb.String()
}
