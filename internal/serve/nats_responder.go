package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gftdcojp/hetfs-tiering/internal/config"
	"github.com/gftdcojp/hetfs-tiering/internal/metrics"
	"github.com/gftdcojp/hetfs-tiering/internal/tier"
	"github.com/gftdcojp/hetfs-tiering/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Reply is the envelope of every command response. Code carries the HTTP
// status the same failure gets from the HTTP API.
type Reply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// RunNATSResponder serves operator commands and I/O path events over NATS.
// Subjects:
//   - {prefix}.cmd.{op}   request-reply; op is status, files, file, region,
//     media, media_query, medium, analyze, change_medium, reset, forget,
//     journal or journal_ack; the body is the JSON request
//   - {prefix}.access     fire-and-forget access events (object or array)
//   - {prefix}.placement  fire-and-forget placement events (object or array)
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, ctrl *tier.Controller, outbox Outbox, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "hetfs"
	}
	svc := &service{ctrl: ctrl, outbox: outbox}

	var subs []*nats.Subscription
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	cmdSubject := prefix + ".cmd.>"
	sub, err := nc.Subscribe(cmdSubject, func(msg *nats.Msg) {
		op := strings.TrimPrefix(msg.Subject, prefix+".cmd.")
		result, err := dispatchCommand(ctx, svc, op, msg.Data)
		label := op
		if !knownCommands[op] {
			label = "unknown"
		}
		metrics.APIRequests.WithLabelValues("nats", label, errorLabel(err)).Inc()

		reply := Reply{Result: result}
		if err != nil {
			reply.Error = err.Error()
			reply.Code = errorStatus(err)
			if op != "analyze" {
				// Only analyze carries a partial result worth returning.
				reply.Result = nil
			}
			if errorStatus(err) >= 500 {
				logger.Error("command failed", zap.String("op", op), zap.Error(err))
			}
		}
		data, _ := json.Marshal(reply)
		msg.Respond(data)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", cmdSubject, err)
	}
	subs = append(subs, sub)

	accessSubject := prefix + ".access"
	sub, err = nc.Subscribe(accessSubject, func(msg *nats.Msg) {
		events, err := types.DecodeBatch[types.AccessEvent](msg.Data)
		if err != nil {
			logger.Warn("dropping malformed access events", zap.Error(err))
			return
		}
		if resp := svc.ingestAccess(events); len(resp.Errors) > 0 {
			logger.Debug("access events rejected", zap.Int("rejected", len(resp.Errors)), zap.String("first", resp.Errors[0]))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", accessSubject, err)
	}
	subs = append(subs, sub)

	placementSubject := prefix + ".placement"
	sub, err = nc.Subscribe(placementSubject, func(msg *nats.Msg) {
		events, err := types.DecodeBatch[types.PlacementEvent](msg.Data)
		if err != nil {
			logger.Warn("dropping malformed placement events", zap.Error(err))
			return
		}
		if resp := svc.ingestPlacement(events); len(resp.Errors) > 0 {
			logger.Warn("placement events rejected", zap.Int("rejected", len(resp.Errors)), zap.String("first", resp.Errors[0]))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", placementSubject, err)
	}
	subs = append(subs, sub)

	logger.Info("NATS responder started",
		zap.String("commands", cmdSubject),
		zap.String("access", accessSubject),
		zap.String("placement", placementSubject),
	)

	<-ctx.Done()
	return nil
}

var knownCommands = map[string]bool{
	"status": true, "files": true, "file": true, "region": true, "media": true,
	"media_query": true, "medium": true,
	"analyze": true, "change_medium": true, "reset": true, "forget": true,
	"journal": true, "journal_ack": true,
}

func dispatchCommand(ctx context.Context, svc *service, op string, body []byte) (any, error) {
	decode := func(v any) error {
		if len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, v); err != nil {
			return badRequest("invalid request body: " + err.Error())
		}
		return nil
	}

	switch op {
	case "status":
		return svc.status(), nil
	case "files":
		var req FilesRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.files(req), nil
	case "file":
		var req FileRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.file(req)
	case "region":
		var req RegionRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.region(req)
	case "media":
		var req FileRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.media(req)
	case "media_query":
		var req MediaQueryRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.mediaQuery(req)
	case "medium":
		var req MediumRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.medium(req)
	case "analyze":
		var req AnalyzeRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.analyze(ctx, req)
	case "change_medium":
		var req ChangeMediumRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.changeMedium(ctx, req)
	case "reset":
		var req ResetRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.reset(req)
	case "forget":
		var req FileRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.forget(req)
	case "journal":
		var req JournalRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.journal(req)
	case "journal_ack":
		var req AckRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return svc.ack(req)
	}
	return nil, badRequest(fmt.Sprintf("unknown command %q", op))
}
