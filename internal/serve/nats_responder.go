package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/jeniawhite/noobaa-core/internal/metrics"
	"github.com/jeniawhite/noobaa-core/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// RunNATSResponder serves the placement operations over NATS request-reply.
// Subjects: {prefix}.map, {prefix}.dedup, {prefix}.allocate, {prefix}.retire
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, svc *Service, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "placement"
	}

	routes := map[string]func(context.Context, []byte) (interface{}, error){
		"map": func(ctx context.Context, data []byte) (interface{}, error) {
			var req MapRequest
			if err := unmarshalRequest(data, &req); err != nil {
				return nil, err
			}
			return svc.Map(ctx, &req)
		},
		"dedup": func(ctx context.Context, data []byte) (interface{}, error) {
			var req MapRequest
			if err := unmarshalRequest(data, &req); err != nil {
				return nil, err
			}
			return svc.Dedup(ctx, &req)
		},
		"allocate": func(ctx context.Context, data []byte) (interface{}, error) {
			var req AllocateRequest
			if err := unmarshalRequest(data, &req); err != nil {
				return nil, err
			}
			return svc.Allocate(ctx, &req)
		},
		"retire": func(ctx context.Context, data []byte) (interface{}, error) {
			var req RetireRequest
			if err := unmarshalRequest(data, &req); err != nil {
				return nil, err
			}
			return svc.Retire(ctx, &req)
		},
	}

	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for op, fn := range routes {
		subject := prefix + "." + op
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			resp, err := fn(ctx, msg.Data)
			respond(msg, op, resp, err, logger)
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	logger.Info("NATS responder started", zap.String("prefix", prefix))

	<-ctx.Done()
	return nil
}

func unmarshalRequest(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func respond(msg *nats.Msg, op string, resp interface{}, err error, logger *zap.Logger) {
	var rerr error
	if err != nil {
		code := errorStatus(err)
		metrics.Requests.WithLabelValues("nats", op, strconv.Itoa(code)).Inc()
		if code >= 500 {
			logger.Error("request failed", zap.String("op", op), zap.Error(err))
		}
		rerr = natsutil.RespondError(msg, code, err)
	} else {
		metrics.Requests.WithLabelValues("nats", op, "200").Inc()
		rerr = natsutil.RespondJSON(msg, resp)
	}
	if rerr != nil {
		logger.Warn("NATS respond failed", zap.String("subject", msg.Subject), zap.Error(rerr))
	}
}
