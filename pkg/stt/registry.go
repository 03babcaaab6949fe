package stt

import (
	"context"
	"fmt"

	"callcoach-server/pkg/config"

	"github.com/sirupsen/logrus"
)

// NewBackend builds the backend selected by cfg.Provider.
func NewBackend(ctx context.Context, cfg config.STTConfig, logger *logrus.Logger) (Backend, error) {
	switch cfg.Provider {
	case "deepgram":
		backend, err := NewDeepgramBackend(cfg.Deepgram, cfg.Language, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "amazon":
		backend, err := NewAmazonBackend(ctx, cfg.Amazon, cfg.Language, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "google":
		return NewGoogleBackend(cfg.Google, cfg.Language, logger), nil
	case "mock":
		return NewMockBackend(logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}
