package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homeport/internal/entity"
	"homeport/internal/infrastructure/mqtt"
	"homeport/internal/miio"
)

// Gateway is a Xiaomi multimode gateway: an MQTT broker on the LAN that
// multiplexes MiIO RPC and relays child-device reports.
//
// Run owns one broker session. Every central/report message is rebroadcast
// on the gateway's emitter as a GatewayMsg event; BLE and mesh children
// subscribe there and filter for their own did.
type Gateway struct {
	did    string
	host   string
	port   int
	info   HapInfo
	logger Logger

	emitter *Emitter
	retry   *RetryInfo

	mu  sync.Mutex
	rpc *miio.GatewayRPC
}

const defaultBrokerPort = 1883

// NewGateway builds the runtime from the device row and its Mi-Home record.
func NewGateway(d *entity.Device, mi *entity.MiDevice, logger Logger) (*Gateway, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	host := mi.LocalIP
	if ip, ok := d.Params["ip"].(string); ok && ip != "" {
		host = ip
	}
	if host == "" {
		return nil, fmt.Errorf("gateway %s has no ip: %w", d.SourceID, ErrNotSupported)
	}
	port := defaultBrokerPort
	if p, ok := d.Params["port"].(float64); ok && p > 0 {
		port = int(p)
	}

	return &Gateway{
		did:     d.SourceID,
		host:    host,
		port:    port,
		logger:  logger,
		emitter: NewEmitter(GatewayEmitterCap, logger),
		retry:   NewRetryInfo(),
		info: HapInfo{
			Manufacturer: "Xiaomi",
			Model:        mi.Model,
			Serial:       mi.Did,
			SwRev:        "1.0",
			FwRev:        "1.0",
		},
	}, nil
}

func (g *Gateway) DevID() string                 { return g.did }
func (g *Gateway) DeviceType() entity.DeviceType { return entity.DeviceMqttGateway }
func (g *Gateway) Retry() *RetryInfo             { return g.retry }
func (g *Gateway) Events() *Emitter              { return g.emitter }
func (g *Gateway) HapInfo() HapInfo              { return g.info }

// RPC returns the live gateway RPC layer, or nil between sessions.
// Children use this for property access through the gateway.
func (g *Gateway) RPC() *miio.GatewayRPC {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rpc
}

// Run owns one broker session and relays inbound reports until the
// session drops or the context is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	client, err := mqtt.Connect(mqtt.Config{
		Host:     g.host,
		Port:     g.port,
		ClientID: "homeport-gw-" + g.did,
		QoS:      0,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", miio.ErrConnect, err)
	}
	client.SetLogger(g.logger)

	lost := make(chan error, 1)
	client.SetOnDisconnect(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	rpc, err := miio.NewGatewayRPC(client, g.logger)
	if err != nil {
		client.Close()
		return err
	}
	g.mu.Lock()
	g.rpc = rpc
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.rpc = nil
		g.mu.Unlock()
		client.Close()
	}()

	g.retry.Reset()

	msgs, cancel := rpc.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			return fmt.Errorf("%w: %w", miio.ErrDisconnect, err)
		case msg := <-msgs:
			// RPC acks are consumed by their requesters via the hub;
			// everything with a method is an unsolicited report.
			if msg.Method == "" {
				continue
			}
			g.emitter.Emit(Event{Kind: KindGatewayMsg, DevID: g.did, Message: msg})
		}
	}
}

// GetProperties reads child or gateway properties through the live session.
func (g *Gateway) GetProperties(ctx context.Context, props []miio.Property, timeout time.Duration) ([]miio.Property, error) {
	rpc := g.RPC()
	if rpc == nil {
		return nil, fmt.Errorf("gateway %s: %w", g.did, ErrNotRunning)
	}
	res, err := rpc.GetProperties(ctx, props, timeout)
	if err == nil {
		g.retry.Reset()
	}
	return res, err
}

// SetProperties writes child or gateway properties through the live session.
func (g *Gateway) SetProperties(ctx context.Context, props []miio.Property, timeout time.Duration) ([]miio.Property, error) {
	rpc := g.RPC()
	if rpc == nil {
		return nil, fmt.Errorf("gateway %s: %w", g.did, ErrNotRunning)
	}
	res, err := rpc.SetProperties(ctx, props, timeout)
	if err == nil {
		g.retry.Reset()
	}
	return res, err
}
