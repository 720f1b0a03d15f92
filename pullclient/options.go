package pullclient

import (
	"fmt"
	"log/slog"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/channel"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/metric"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/transport"
)

// Option is a functional option for configuring the Client
type Option func(*Client) error

// WithClock sets the clock behind every timer of the client.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) error {
		if c == nil {
			return fmt.Errorf("%w: nil clock", errors.ErrInvalidConfig)
		}
		cl.clock = c
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

// WithMetrics registers the client metrics, including cache and queue
// statistics, with registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Client) error {
		c.metricsRegistry = registry
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
		return nil
	}
}

// WithTransportFactory replaces the connector factory, typically with a
// fake in tests.
func WithTransportFactory(f transport.Factory) Option {
	return func(c *Client) error {
		if f == nil {
			return fmt.Errorf("%w: nil transport factory", errors.ErrInvalidConfig)
		}
		c.factory = f
		return nil
	}
}

// WithChannelLister replaces the REST lister used to refresh public
// channels.
func WithChannelLister(l channel.Lister) Option {
	return func(c *Client) error {
		c.lister = l
		return nil
	}
}
