package rooms

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// OccupancyEvent is one participant-count report from the room provider.
type OccupancyEvent struct {
	RoomName         string   `json:"room_name"`
	ParticipantCount int      `json:"participant_count"`
	UserIDs          []string `json:"user_ids"`
}

// OccupancyHandler receives decoded occupancy events.
type OccupancyHandler func(OccupancyEvent)

const (
	telemetryReconnectBase = time.Second
	telemetryReconnectMax  = 30 * time.Second
)

// TelemetrySubscriber maintains a websocket subscription to the provider's
// occupancy stream, reconnecting with capped backoff until the context is
// cancelled.
type TelemetrySubscriber struct {
	url     string
	handler OccupancyHandler
	logger  *zap.Logger
}

func NewTelemetrySubscriber(url string, handler OccupancyHandler, logger *zap.Logger) *TelemetrySubscriber {
	return &TelemetrySubscriber{url: url, handler: handler, logger: logger}
}

// Start runs the subscription loop until ctx is cancelled.
func (t *TelemetrySubscriber) Start(ctx context.Context) {
	go t.run(ctx)
}

func (t *TelemetrySubscriber) run(ctx context.Context) {
	backoff := telemetryReconnectBase

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
		if err != nil {
			t.logger.Warn("Telemetry dial failed",
				zap.String("url", t.url),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > telemetryReconnectMax {
				backoff = telemetryReconnectMax
			}
			continue
		}

		t.logger.Info("Telemetry stream connected", zap.String("url", t.url))
		backoff = telemetryReconnectBase
		t.readLoop(ctx, conn)
	}
}

func (t *TelemetrySubscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	// Unblock ReadJSON when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev OccupancyEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("Telemetry stream closed", zap.Error(err))
			}
			return
		}
		t.handler(ev)
	}
}
