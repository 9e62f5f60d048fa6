package handlers

import (
	"fmt"
	"net/http"

	"hookrelay/internal/broker"
	"hookrelay/internal/config"
	"hookrelay/internal/constants"
	"hookrelay/internal/handler"
	"hookrelay/internal/logger"
)

// Build creates the handler described by cfg.
func Build(cfg config.HandlerConfig, producer broker.Producer, log logger.Logger) (handler.Handler, error) {
	switch cfg.Type {
	case constants.HandlerTypeLog:
		return NewLogHandler(cfg.ID, cfg.Priority, cfg.Level, log.Named("handler."+cfg.ID)), nil
	case constants.HandlerTypeKafka:
		if producer == nil {
			return nil, fmt.Errorf("handler %s: kafka handler needs a broker", cfg.ID)
		}
		return NewKafkaHandler(cfg.ID, cfg.Priority, cfg.Topic, producer), nil
	case constants.HandlerTypeHTTP:
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = constants.DefaultHTTPTimeout
		}
		return NewHTTPHandler(cfg.ID, cfg.Priority, cfg.URL, cfg.Method, cfg.Headers, &http.Client{Timeout: timeout}), nil
	default:
		return nil, fmt.Errorf("handler %s: unknown type %q", cfg.ID, cfg.Type)
	}
}

// RegisterAll builds every configured handler into reg.
func RegisterAll(reg *handler.Registry, cfgs []config.HandlerConfig, producer broker.Producer, log logger.Logger) error {
	for _, cfg := range cfgs {
		h, err := Build(cfg, producer, log)
		if err != nil {
			return err
		}
		if err := reg.Register(h); err != nil {
			return fmt.Errorf("register handler %s: %w", cfg.ID, err)
		}
	}
	return nil
}
