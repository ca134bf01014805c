// Package natsutil provides helpers for establishing NATS connections
// with TLS, credentials, NKey, and reconnection handling, plus the JSON
// request-reply conventions of the placement subjects.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeniawhite/noobaa-core/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect establishes a connection to NATS with the given configuration.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS async error", zap.Error(err))
		}),
		nats.PingInterval(20 * time.Second),
	}

	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}

	if cfg.NKeySeedFile != "" {
		opt, err := nats.NkeyOptionFromSeed(cfg.NKeySeedFile)
		if err != nil {
			return nil, fmt.Errorf("loading nkey seed: %w", err)
		}
		opts = append(opts, opt)
	}

	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
	}
	if cfg.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("connected to NATS",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("server_id", nc.ConnectedServerId()),
	)

	return nc, nil
}

// ErrorReply is the body of a failed request. Code follows HTTP status codes.
type ErrorReply struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// RemoteError is returned by RequestJSON when the responder replied with an
// ErrorReply.
type RemoteError struct {
	Subject string
	Message string
	Code    int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Subject, e.Message, e.Code)
}

// RequestJSON sends req as JSON on subject and decodes the reply into resp.
func RequestJSON(ctx context.Context, nc *nats.Conn, subject string, req, resp interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request for %s: %w", subject, err)
	}
	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}

	var errReply ErrorReply
	if json.Unmarshal(msg.Data, &errReply) == nil && errReply.Error != "" {
		return &RemoteError{Subject: subject, Message: errReply.Error, Code: errReply.Code}
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decoding reply from %s: %w", subject, err)
	}
	return nil
}

// RespondJSON replies to msg with v encoded as JSON.
func RespondJSON(msg *nats.Msg, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}
	return msg.Respond(data)
}

// RespondError replies to msg with an ErrorReply.
func RespondError(msg *nats.Msg, code int, err error) error {
	return RespondJSON(msg, ErrorReply{Error: err.Error(), Code: code})
}
