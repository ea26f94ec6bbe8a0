package miio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"homeport/internal/infrastructure/mqtt"
)

// GatewayRPC speaks the MiIO dialect over a gateway's embedded MQTT broker.
//
// Requests publish to miio/command; results arrive on miio/command_ack and
// are correlated by id through the same hub mechanism as the UDP client.
// Unsolicited child-device reports from central/report flow through the hub
// too, so a BLE child subscribes once and filters for its own did.
type GatewayRPC struct {
	client *mqtt.Client
	logger Logger

	hub    *hub
	nextID atomic.Int64
}

// NewGatewayRPC wires the RPC layer onto a connected broker client,
// subscribing to the ack and report topics.
func NewGatewayRPC(client *mqtt.Client, logger Logger) (*GatewayRPC, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	g := &GatewayRPC{
		client: client,
		logger: logger,
		hub:    newHub(),
	}

	topics := mqtt.Topics{}
	for _, topic := range []string{topics.CommandAck(), topics.CentralReport()} {
		if err := client.Subscribe(topic, 0, g.handleInbound); err != nil {
			return nil, fmt.Errorf("%w: subscribing %s: %w", ErrConnect, topic, err)
		}
	}
	return g, nil
}

// handleInbound parses broker traffic into the hub. Reports that are not
// JSON objects in the RPC shape are dropped with a warning.
func (g *GatewayRPC) handleInbound(topic string, payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		g.logger.Warn("dropping undecodable gateway message", "topic", topic, "error", err)
		return nil
	}
	g.hub.publish(msg)
	return nil
}

// Subscribe returns the stream of every inbound gateway message, acks and
// unsolicited reports alike. The cancel function must be called when done.
func (g *GatewayRPC) Subscribe() (<-chan Message, func()) {
	return g.hub.subscribe()
}

// Request publishes a method call and awaits the matching ack, or fails
// with ErrTimeout. A timeout of zero uses the gateway default.
func (g *GatewayRPC) Request(ctx context.Context, method string, params any, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	id := g.nextID.Add(1)

	body, err := json.Marshal(Message{ID: id, Method: method, Params: marshalParams(params)})
	if err != nil {
		return Message{}, fmt.Errorf("%w: encoding request: %w", ErrProtocol, err)
	}

	ch, cancel := g.hub.subscribe()
	defer cancel()

	if err := g.client.PublishDefault(mqtt.Topics{}.Command(), body); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrDisconnect, err)
	}
	return awaitID(ctx, ch, id, timeout)
}

// GetProperties reads a batch of MIoT properties through the gateway.
func (g *GatewayRPC) GetProperties(ctx context.Context, props []Property, timeout time.Duration) ([]Property, error) {
	msg, err := g.Request(ctx, "get_properties", props, timeout)
	if err != nil {
		return nil, err
	}
	return decodePropResult(msg, len(props))
}

// SetProperties writes a batch of MIoT properties through the gateway.
func (g *GatewayRPC) SetProperties(ctx context.Context, props []Property, timeout time.Duration) ([]Property, error) {
	msg, err := g.Request(ctx, "set_properties", props, timeout)
	if err != nil {
		return nil, err
	}
	return decodePropResult(msg, len(props))
}
