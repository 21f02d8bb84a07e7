package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jwalitptl/clinic-flow/pkg/logger"
	"github.com/jwalitptl/clinic-flow/pkg/messaging"
)

// ChannelPrefix namespaces change notifications on the broker.
const ChannelPrefix = "clinic.changes."

// BrokerPublisher forwards events to the shared broker so every API
// instance and the worker feed the same displays.
type BrokerPublisher struct {
	broker messaging.Broker
	logger *logger.Logger
}

func NewBrokerPublisher(broker messaging.Broker, log *logger.Logger) *BrokerPublisher {
	return &BrokerPublisher{broker: broker, logger: log}
}

func (p *BrokerPublisher) Publish(ctx context.Context, event Event) {
	if err := p.broker.Publish(ctx, ChannelPrefix+event.Topic, event); err != nil {
		p.logger.WithContext(ctx).Warn("failed to publish change notification",
			"topic", event.Topic,
			"type", event.Type,
			"error", err.Error())
	}
}

// Relay copies broker notifications into a local hub.
type Relay struct {
	broker messaging.MessageBroker
	hub    *Hub
	logger *logger.Logger
}

func NewRelay(broker messaging.MessageBroker, hub *Hub, log *logger.Logger) *Relay {
	return &Relay{broker: broker, hub: hub, logger: log}
}

// Start subscribes to each topic; delivery stops when ctx is cancelled.
func (r *Relay) Start(ctx context.Context, topics ...string) error {
	for _, topic := range topics {
		if err := r.broker.Subscribe(ctx, ChannelPrefix+topic, r.handle); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	r.logger.Info("change relay started", "topics", topics)
	return nil
}

func (r *Relay) handle(payload []byte) error {
	var raw struct {
		Event
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("failed to decode change notification: %w", err)
	}
	event := raw.Event
	event.Data = raw.Data
	r.hub.Publish(context.Background(), event)
	return nil
}
