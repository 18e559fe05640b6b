package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

var errNotStarted = errors.New("ingest consumer not started")

// ConsumerInfo returns information about the ingest consumer.
func (p *Pipeline) ConsumerInfo(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	p.mu.Lock()
	cons := p.cons
	p.mu.Unlock()
	if cons == nil {
		return nil, errNotStarted
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting consumer %s on stream %s: %w", p.cfg.ConsumerName, p.cfg.Stream, err)
	}
	return info, nil
}

// Ping reports readiness: the durable consumer exists and answers.
func (p *Pipeline) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := p.ConsumerInfo(ctx)
	return err
}
