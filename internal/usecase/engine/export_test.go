package engine

import (
	"context"

	"chorus/internal/domain"
	"chorus/internal/usecase/routing"
)

// HandleRelayDecision normalizes w as a relay frame and returns the decision.
func (e *Engine) HandleRelayDecision(w domain.WireMessage) domain.Decision {
	return e.Handle(context.Background(), routing.Normalize(w, routing.SourceRelay, e.now()))
}
