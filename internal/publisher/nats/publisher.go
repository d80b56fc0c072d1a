// Package nats publishes run notices to NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/logging"
)

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// Publisher sends JSON payloads with trace context in the message headers.
type Publisher struct {
	conn Conn
	seq  atomic.Int64
}

// New wraps an open connection.
func New(conn Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Connect dials url with reconnect handling logged through logger.
func Connect(url, name string, logger *zap.Logger) (*Publisher, error) {
	logger = logging.OrNop(logger).With(zap.String("component", "nats"))
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return New(conn), nil
}

// Publish sends payload to subject and flushes so delivery errors surface
// here. The returned id is the Nats-Msg-Id header value.
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) (string, error) {
	if p.conn == nil {
		return "", fmt.Errorf("nats connection is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if a, ok := payload.(harvest.Attributed); ok {
		for k, v := range a.Attributes() {
			if v != "" {
				msg.Header.Set("Webfarm-"+k, v)
			}
		}
	}
	id := fmt.Sprintf("%s-%d", subject, p.seq.Add(1))
	if n, ok := payload.(harvest.RunNotice); ok {
		id = n.RunID + "-" + string(n.Status)
	}
	msg.Header.Set(nats.MsgIdHdr, id)
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))

	if err := p.conn.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish to %s: %w", subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return "", fmt.Errorf("flush nats: %w", err)
	}
	return id, nil
}

// Close closes the connection.
func (p *Publisher) Close() error {
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}

// headerCarrier adapts nats.Msg headers for the otel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = nats.Header{}
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}
