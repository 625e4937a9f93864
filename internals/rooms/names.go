package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/store"
)

// ErrNameExhausted is returned when no unique room name could be reserved
// within the retry budget.
var ErrNameExhausted = errors.New("rooms: could not reserve a unique room name")

const nameAttempts = 5

// Generator produces room names guaranteed unique for the reservation TTL.
// Uniqueness is enforced through a set-if-absent reservation in the store.
type Generator struct {
	store   store.Store
	logger  *zap.Logger
	nameTTL time.Duration
}

func NewGenerator(s store.Store, nameTTL time.Duration, logger *zap.Logger) *Generator {
	return &Generator{store: s, logger: logger, nameTTL: nameTTL}
}

// NewRoomName reserves and returns a fresh room name.
func (g *Generator) NewRoomName(ctx context.Context) (string, error) {
	for attempt := 0; attempt < nameAttempts; attempt++ {
		name := "veil-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

		ok, err := g.store.SetNX(ctx, store.RoomNameKey(name), "1", g.nameTTL)
		if err != nil {
			return "", fmt.Errorf("reserve room name: %w", err)
		}
		if ok {
			return name, nil
		}
		g.logger.Warn("Room name collision", zap.String("room_name", name), zap.Int("attempt", attempt+1))
	}
	return "", ErrNameExhausted
}

// ReleaseRoomName drops the reservation, making the name reusable before the
// TTL runs out.
func (g *Generator) ReleaseRoomName(ctx context.Context, name string) {
	if _, err := g.store.Del(ctx, store.RoomNameKey(name)); err != nil {
		g.logger.Warn("Failed to release room name", zap.String("room_name", name), zap.Error(err))
	}
}
