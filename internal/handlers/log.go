package handlers

import (
	"context"
	"strings"

	"hookrelay/internal/logger"
	"hookrelay/pkg/models"
)

// LogHandler writes one structured line per event.
type LogHandler struct {
	id       string
	priority int
	level    string
	logger   logger.Logger
}

func NewLogHandler(id string, priority int, level string, log logger.Logger) *LogHandler {
	return &LogHandler{id: id, priority: priority, level: strings.ToLower(level), logger: log}
}

func (h *LogHandler) ID() string    { return h.id }
func (h *LogHandler) Priority() int { return h.priority }

func (h *LogHandler) Handle(ctx context.Context, ev models.Event) (any, error) {
	fields := []interface{}{
		"handler", h.id,
		"event_id", ev.ID,
		"event_type", ev.Type,
		"action", ev.Action,
		"entity_type", ev.EntityType,
		"entity_id", ev.EntityID,
		"source", ev.Source.Key(),
		"changes", len(ev.Changes),
	}
	switch h.level {
	case "debug":
		h.logger.DebugwCtx(ctx, "Webhook event", fields...)
	case "warn":
		h.logger.WarnwCtx(ctx, "Webhook event", fields...)
	default:
		h.logger.InfowCtx(ctx, "Webhook event", fields...)
	}
	return map[string]any{"logged": true}, nil
}
