package natsbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/fentz26/lockwarden/internal/config"
	"github.com/fentz26/lockwarden/internal/events"
)

// Relay forwards every event bus message to NATS.
type Relay struct {
	server *Server
	client *Client
	logger *slog.Logger
}

// NewRelay starts the embedded server if configured and connects to it or
// to cfg.URL.
func NewRelay(cfg config.NATSConfig, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{logger: logger.With("component", "natsbus")}

	url := cfg.URL
	if cfg.Embedded {
		srv, err := NewServer(cfg)
		if err != nil {
			return nil, err
		}
		r.server = srv
		url = srv.ClientURL()
	}

	client, err := Connect(url, cfg.Token)
	if err != nil {
		if r.server != nil {
			r.server.Close()
		}
		return nil, err
	}
	r.client = client
	r.logger.Info("nats relay connected", "url", url, "embedded", cfg.Embedded)
	return r, nil
}

// ClientURL returns the URL the relay publishes to.
func (r *Relay) ClientURL() string {
	return r.client.conn.ConnectedUrl()
}

// Run forwards events from bus until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe("")
	defer bus.Unsubscribe(sub)

	flush := time.NewTicker(time.Second)
	defer flush.Stop()
	var reported int64

	for {
		select {
		case <-ctx.Done():
			_ = r.client.Flush()
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := r.client.PublishJSON(Subject(ev.Topic), ev); err != nil {
				r.logger.Warn("relay publish failed", "topic", ev.Topic, "error", err)
			}
		case <-flush.C:
			if n := sub.Dropped(); n > reported {
				r.logger.Warn("relay dropped events", "count", n-reported)
				reported = n
			}
		}
	}
}

// Close disconnects and stops the embedded server.
func (r *Relay) Close() {
	r.client.Close()
	if r.server != nil {
		r.server.Close()
	}
}
