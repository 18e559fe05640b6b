package mover

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gftdcojp/hetfs-tiering/internal/metrics"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSMover publishes each request as JSON on a subject. Delivery is
// at-most-once; a data-mover service subscribes to the subject.
type NATSMover struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

func NewNATSMover(nc *nats.Conn, subject string, logger *zap.Logger) *NATSMover {
	return &NATSMover{nc: nc, subject: subject, logger: logger}
}

func (m *NATSMover) Relocate(_ context.Context, req types.RelocationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		metrics.RelocationRequests.WithLabelValues("nats", "error").Inc()
		return fmt.Errorf("encoding relocation request: %w", err)
	}
	if err := m.nc.Publish(m.subject, data); err != nil {
		metrics.RelocationRequests.WithLabelValues("nats", "error").Inc()
		return fmt.Errorf("publishing relocation request to %s: %w", m.subject, err)
	}
	metrics.RelocationRequests.WithLabelValues("nats", "ok").Inc()
	m.logger.Debug("relocation published",
		zap.String("subject", m.subject),
		zap.String("file", req.File),
		zap.Uint64("first_block", req.FirstBlock),
		zap.Uint64("last_block", req.LastBlock),
	)
	return nil
}
