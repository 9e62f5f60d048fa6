package management

import (
	"context"

	"hookrelay/internal/logger"
	"hookrelay/pkg/models"
)

type RouteReloader interface {
	Reload(ctx context.Context) error
}

// ChangeHandler consumes route change envelopes published by other
// instances and reloads the local route table.
type ChangeHandler struct {
	reloader RouteReloader
	origin   string
	logger   logger.Logger
}

func NewChangeHandler(reloader RouteReloader, origin string, log logger.Logger) *ChangeHandler {
	return &ChangeHandler{reloader: reloader, origin: origin, logger: log}
}

func (h *ChangeHandler) HandleRouteChange(ctx context.Context, envelope models.Envelope) error {
	if envelope.Kind != models.EnvelopeKindRouteChange {
		return nil
	}

	var event models.RouteChangeEvent
	if err := envelope.Decode(&event); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to decode route change event", "error", err, "id", envelope.ID)
		return err
	}

	if event.Origin != "" && event.Origin == h.origin {
		return nil
	}

	h.logger.InfowCtx(ctx, "Received route change event",
		"action", event.Action,
		"route_id", event.RouteID,
		"origin", event.Origin,
	)

	if err := h.reloader.Reload(ctx); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to reload routes after change event", "error", err)
		return err
	}
	return nil
}
