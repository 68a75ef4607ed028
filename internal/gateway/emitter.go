package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/botchat/internal/broker"
)

// Emitter publishes frames to rooms through the broker. Every subscribed
// gateway, this process included, relays them to its local members.
type Emitter struct {
	broker broker.Broker
}

func NewEmitter(b broker.Broker) *Emitter {
	return &Emitter{broker: b}
}

// Emit encodes frame and publishes it to room.
func (e *Emitter) Emit(ctx context.Context, room string, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return e.broker.Publish(ctx, room, data)
}
