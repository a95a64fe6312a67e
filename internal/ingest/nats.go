package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MrWong99/thalamus/internal/config"
	"github.com/MrWong99/thalamus/internal/observe"
)

// message is the part of [jetstream.Msg] the consumer uses.
type message interface {
	Data() []byte
	Subject() string
	Ack() error
	Nak() error
	Term() error
}

// Consumer reads events from a JetStream durable consumer. Events may be
// published on the configured subject, or on "<subject>.<session_id>" with
// the session id left out of the body.
type Consumer struct {
	cfg config.NATSConfig
	ing *Ingester
	nc  *nats.Conn
	js  jetstream.JetStream
	cc  jetstream.ConsumeContext
	ctx context.Context
}

// Dial connects to the NATS server in cfg. The connection retries and
// reconnects on its own; events are only consumed after [Consumer.Start].
func Dial(cfg config.NATSConfig, ing *Ingester) (*Consumer, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("thalamus-ingest"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("ingest: nats disconnected", slog.Any("err", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("ingest: nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ingest: nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ingest: jetstream init: %w", err)
	}
	return &Consumer{cfg: cfg, ing: ing, nc: nc, js: js, ctx: context.Background()}, nil
}

// Start ensures the stream exists, binds the durable consumer and begins
// consuming. ctx bounds the setup calls and every ingestion.
func (c *Consumer) Start(ctx context.Context) error {
	c.ctx = ctx
	if err := c.ensureStream(ctx); err != nil {
		return err
	}
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Name:          c.cfg.Durable,
		Durable:       c.cfg.Durable,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("ingest: create consumer %s: %w", c.cfg.Durable, err)
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handle(c.ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("ingest: consume %s: %w", c.cfg.Durable, err)
	}
	c.cc = cc
	observe.Logger(ctx).Info("ingest: consuming",
		slog.String("stream", c.cfg.Stream),
		slog.String("subject", c.cfg.Subject),
		slog.String("durable", c.cfg.Durable),
	)
	return nil
}

// Run starts consuming and blocks until ctx is cancelled, then closes the
// connection.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.Close()
		return err
	}
	<-ctx.Done()
	c.Close()
	return nil
}

// Close stops consuming and drains the connection.
func (c *Consumer) Close() {
	if c.cc != nil {
		c.cc.Stop()
	}
	if err := c.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		slog.Warn("ingest: nats drain", slog.Any("err", err))
	}
}

func (c *Consumer) ensureStream(ctx context.Context) error {
	if _, err := c.js.Stream(ctx, c.cfg.Stream); err == nil {
		return nil
	}
	_, err := c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  []string{c.cfg.Subject, c.cfg.Subject + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("ingest: create stream %s: %w", c.cfg.Stream, err)
	}
	observe.Logger(ctx).Info("ingest: created stream", slog.String("stream", c.cfg.Stream))
	return nil
}

// handle ingests one message. Malformed and invalid events are terminated so
// they are not redelivered; storage failures are negatively acknowledged for
// redelivery.
func (c *Consumer) handle(ctx context.Context, msg message) {
	log := observe.Logger(ctx).With(slog.String("subject", msg.Subject()))

	var ev Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		log.Warn("ingest: malformed event, dropping", slog.Any("err", err))
		settle(log, "term", msg.Term())
		return
	}
	if ev.SessionID == "" {
		ev.SessionID = sessionFromSubject(msg.Subject(), c.cfg.Subject)
	}

	_, err := c.ing.Ingest(ctx, TransportNATS, ev)
	switch {
	case errors.Is(err, ErrInvalidEvent):
		log.Warn("ingest: invalid event, dropping", slog.Any("err", err))
		settle(log, "term", msg.Term())
	case err != nil:
		log.Error("ingest: event failed, requesting redelivery", slog.Any("err", err))
		settle(log, "nak", msg.Nak())
	default:
		settle(log, "ack", msg.Ack())
	}
}

func settle(log *slog.Logger, op string, err error) {
	if err != nil {
		log.Warn("ingest: "+op+" failed", slog.Any("err", err))
	}
}

// sessionFromSubject returns the session token of a per-session subject
// "<prefix>.<session_id>", or "" when subject is not of that form.
func sessionFromSubject(subject, prefix string) string {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || rest == "" || strings.Contains(rest, ".") {
		return ""
	}
	return rest
}
