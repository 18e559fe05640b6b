// Package ingest consumes access and placement events from a JetStream
// stream with a durable pull consumer. Each message is acknowledged once its
// events are applied, so reporters that publish through JetStream survive a
// restart of the tiering service.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/hetfs-tiering/internal/config"
	"github.com/gftdcojp/hetfs-tiering/internal/metrics"
	"github.com/gftdcojp/hetfs-tiering/internal/tier"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	kindAccess    = "access"
	kindPlacement = "placement"
)

// PipelineConfig holds dependencies for the ingest pipeline.
type PipelineConfig struct {
	JS     jetstream.JetStream
	Ctrl   *tier.Controller
	Ingest config.IngestConfig
	Logger *zap.Logger
}

// Pipeline feeds JetStream events into the tier controller.
type Pipeline struct {
	js     jetstream.JetStream
	ctrl   *tier.Controller
	cfg    config.IngestConfig
	logger *zap.Logger

	mu   sync.Mutex
	cons jetstream.Consumer
}

// NewPipeline creates a new ingest pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		js:     cfg.JS,
		ctrl:   cfg.Ctrl,
		cfg:    cfg.Ingest,
		logger: logger,
	}
}

// Run consumes until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := ensureStream(ctx, p.js, p.cfg, p.logger); err != nil {
		return err
	}

	batchSize := p.cfg.FetchBatch
	if batchSize == 0 {
		batchSize = 256
	}
	fetchTimeout := p.cfg.FetchTimeout.Duration()
	if fetchTimeout == 0 {
		fetchTimeout = 5 * time.Second
	}

	cons, err := p.js.CreateOrUpdateConsumer(ctx, p.cfg.Stream, jetstream.ConsumerConfig{
		Durable:        p.cfg.ConsumerName,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: p.cfg.Subjects(),
		MaxAckPending:  batchSize * 4,
	})
	if err != nil {
		return fmt.Errorf("creating consumer %s on stream %s: %w", p.cfg.ConsumerName, p.cfg.Stream, err)
	}
	p.mu.Lock()
	p.cons = cons
	p.mu.Unlock()

	p.logger.Info("ingest pipeline started",
		zap.String("stream", p.cfg.Stream),
		zap.String("consumer", p.cfg.ConsumerName),
		zap.Strings("subjects", p.cfg.Subjects()),
		zap.Int("fetch_batch", batchSize),
	)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := cons.Fetch(batchSize, jetstream.FetchMaxWait(fetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			metrics.IngestFetchErrors.Inc()
			wait := calcBackoff(failures, 500*time.Millisecond, 30*time.Second)
			p.logger.Warn("fetch error, retrying", zap.Error(err), zap.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		for msg := range msgs.Messages() {
			p.handle(msg)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && ctx.Err() == nil {
			p.logger.Warn("batch error", zap.Error(err))
		}
	}
}

// handle applies one message and settles it. Malformed payloads are
// terminated; everything else is acked even when some events were rejected,
// since redelivery would count the accepted ones twice.
func (p *Pipeline) handle(msg jetstream.Msg) {
	kind := p.kindOf(msg.Subject())

	var (
		rejected []error
		err      error
	)
	switch kind {
	case kindAccess:
		var events []types.AccessEvent
		if events, err = types.DecodeBatch[types.AccessEvent](msg.Data()); err == nil {
			for _, ev := range events {
				if rerr := p.ctrl.RecordAccess(ev); rerr != nil {
					rejected = append(rejected, rerr)
				}
			}
		}
	case kindPlacement:
		var events []types.PlacementEvent
		if events, err = types.DecodeBatch[types.PlacementEvent](msg.Data()); err == nil {
			for _, ev := range events {
				if _, rerr := p.ctrl.RecordWrite(ev); rerr != nil {
					rejected = append(rejected, rerr)
				}
			}
		}
	default:
		err = fmt.Errorf("no event kind for subject %s", msg.Subject())
		kind = "unknown"
	}

	if err != nil {
		metrics.IngestMessages.WithLabelValues(kind, "malformed").Inc()
		p.logger.Warn("terminating malformed event message", zap.String("subject", msg.Subject()), zap.Error(err))
		if terr := msg.Term(); terr != nil {
			p.logger.Warn("failed to terminate message", zap.Error(terr))
		}
		return
	}

	status := "ok"
	if len(rejected) > 0 {
		status = "rejected"
		p.logger.Debug("events rejected",
			zap.String("kind", kind),
			zap.Int("rejected", len(rejected)),
			zap.Error(errors.Join(rejected...)),
		)
	}
	metrics.IngestMessages.WithLabelValues(kind, status).Inc()
	if aerr := msg.Ack(); aerr != nil {
		p.logger.Warn("failed to ack message", zap.Error(aerr))
	}
}

func (p *Pipeline) kindOf(subject string) string {
	switch {
	case p.cfg.AccessSubject != "" && subjectMatches(p.cfg.AccessSubject, subject):
		return kindAccess
	case p.cfg.PlacementSubject != "" && subjectMatches(p.cfg.PlacementSubject, subject):
		return kindPlacement
	}
	return ""
}

// subjectMatches reports whether subject matches a NATS subject pattern
// with "*" and ">" wildcards.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) || (tok != "*" && tok != st[i]) {
			return false
		}
	}
	return len(pt) == len(st)
}
