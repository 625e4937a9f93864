package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSForwarder republishes bus events to NATS as JSON so external
// consumers (analytics, audit) can subscribe without touching the engine.
type NATSForwarder struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// NewNATSForwarder connects to NATS and returns a forwarder ready to be
// subscribed to a Bus.
func NewNATSForwarder(url, subjectPrefix string, logger *zap.Logger) (*NATSForwarder, error) {
	conn, err := nats.Connect(url,
		nats.Name("veilcall-transitions"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("NATS transition forwarding enabled",
		zap.String("url", url),
		zap.String("subject_prefix", subjectPrefix),
	)

	return &NATSForwarder{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}, nil
}

// Handle is the Bus handler. Publish failures are logged and dropped; the
// engine never blocks on an event sink.
func (f *NATSForwarder) Handle(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s", f.subjectPrefix, e.EventType())
	if err := f.conn.Publish(subject, data); err != nil {
		f.logger.Warn("Failed to publish event to NATS",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

func (f *NATSForwarder) Close() {
	f.conn.Drain()
}
