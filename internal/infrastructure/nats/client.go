// Package nats connects to NATS JetStream and carries workflow signals on a
// stream.
package nats

import (
	"context"
	"time"

	"crm-flow/internal/logging"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Client manages the connection to NATS and JetStream.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewClient connects to url and initializes the JetStream context. An empty
// url means nats.DefaultURL.
func NewClient(url string, log logrus.FieldLogger) (*Client, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	log = logging.Component(log, "nats")

	nc, err := nats.Connect(
		url,
		nats.Name("crm-flow"),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("NATS connection closed")
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to NATS at %s", url)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "create JetStream instance")
	}
	return &Client{nc: nc, js: js}, nil
}

func (c *Client) JetStream() jetstream.JetStream { return c.js }

// Close closes the NATS connection.
func (c *Client) Close() error {
	if c.nc != nil && !c.nc.IsClosed() {
		c.nc.Close()
	}
	return nil
}

// EnsureStream creates the stream if it doesn't exist or updates it if it does.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	_, err := c.js.Stream(ctx, cfg.Name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err := c.js.CreateStream(ctx, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "create stream %s", cfg.Name)
		}
		return stream, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get stream %s", cfg.Name)
	}

	stream, err := c.js.UpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "update stream %s", cfg.Name)
	}
	return stream, nil
}

// EnsureConsumer creates or updates a durable consumer on streamName.
func (c *Client) EnsureConsumer(ctx context.Context, streamName string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, errors.Wrapf(err, "get stream %s for consumer creation", streamName)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "create/update consumer %s on stream %s", cfg.Durable, streamName)
	}
	return consumer, nil
}
