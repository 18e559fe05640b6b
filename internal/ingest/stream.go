package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/hetfs-tiering/internal/config"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// defaultMaxAge bounds an auto-created event stream when no max_age is set.
const defaultMaxAge = 24 * time.Hour

// ensureStream makes sure the event stream exists. With create_stream the
// stream is created or updated to carry the ingest subjects; otherwise it
// must already exist.
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg config.IngestConfig, logger *zap.Logger) error {
	if !cfg.CreateStream {
		if _, err := js.Stream(ctx, cfg.Stream); err != nil {
			if errors.Is(err, jetstream.ErrStreamNotFound) {
				return fmt.Errorf("event stream %s does not exist and create_stream is off: %w", cfg.Stream, err)
			}
			return fmt.Errorf("fetching stream %s: %w", cfg.Stream, err)
		}
		return nil
	}

	maxAge := cfg.MaxAge.Duration()
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  cfg.Subjects(),
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", cfg.Stream, err)
	}
	logger.Info("event stream ready",
		zap.String("stream", cfg.Stream),
		zap.Strings("subjects", cfg.Subjects()),
		zap.Duration("max_age", maxAge),
	)
	return nil
}
