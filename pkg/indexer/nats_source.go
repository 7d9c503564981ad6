package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/models"
)

// DefaultNATSSubject is the subject the indexer publishes events on.
const DefaultNATSSubject = "gateway.events"

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL            string        // NATS server URL (e.g., "nats://localhost:4222")
	Subject        string        // Subject carrying JSON events
	Name           string        // Client connection name for identification
	ConnectTimeout time.Duration // Initial connection timeout
}

// NATSSource reads the indexer's event feed from a core NATS subject.
// Every stream owns its own connection with client-side reconnects disabled, so a dropped
// connection ends the stream instead of being papered over.
type NATSSource struct {
	cfg    NATSConfig
	logger *zap.Logger
}

// NewNATSSource returns a source for cfg.
func NewNATSSource(cfg NATSConfig, logger *zap.Logger) *NATSSource {
	if cfg.Subject == "" {
		cfg.Subject = DefaultNATSSubject
	}
	if cfg.Name == "" {
		cfg.Name = "chaingate"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{cfg: cfg, logger: logger}
}

// OpenEventStream connects and subscribes to the configured subject.
func (s *NATSSource) OpenEventStream(ctx context.Context) (EventStream, error) {
	s.logger.Info("Opening NATS event stream", zap.String("url", s.cfg.URL), zap.String("subject", s.cfg.Subject))

	nc, err := nats.Connect(s.cfg.URL,
		nats.Name(s.cfg.Name),
		nats.Timeout(s.cfg.ConnectTimeout),
		nats.NoReconnect(),
	)
	if err != nil {
		return nil, errs.Unavailable("nats connect", err)
	}

	sub, err := nc.SubscribeSync(s.cfg.Subject)
	if err != nil {
		nc.Close()
		return nil, errs.Unavailable("nats subscribe", err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return nil, errs.Classify("nats flush", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	f := newFeed("nats event stream", 256, func() error {
		cancel()
		nc.Close()
		return nil
	})

	go func() {
		defer close(f.events)
		for {
			msg, err := sub.NextMsgWithContext(readCtx)
			if err != nil {
				if readCtx.Err() == nil {
					if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
						err = fmt.Errorf("nats connection lost: %w", err)
					}
					s.logger.Warn("NATS event stream broke", zap.String("subject", s.cfg.Subject), zap.Error(err))
					f.fail(err)
				}
				return
			}

			var event models.Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				s.logger.Error("Failed to parse NATS event", zap.Error(err), zap.String("subject", msg.Subject))
				continue
			}
			if !f.push(event) {
				return
			}
		}
	}()

	return f, nil
}
