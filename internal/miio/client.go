package miio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Default per-request timeouts by transport. Overridable per call.
const (
	DefaultUDPTimeout     = 2 * time.Second
	DefaultGatewayTimeout = 10 * time.Second
	DefaultCloudTimeout   = 30 * time.Second

	helloTimeout = 3 * time.Second
	maxFrameSize = 4096
)

// Logger is the optional logging hook for dropped frames.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Client speaks the stamped UDP protocol to one Wi-Fi device.
//
// Construction performs the hello handshake; Run must then be driven as a
// long-lived task to pump inbound frames into the correlation hub. All
// other methods are safe for concurrent use.
type Client struct {
	conn   net.Conn
	token  Token
	logger Logger

	deviceID  uint32
	baseStamp uint32
	started   time.Time

	hub    *hub
	nextID atomic.Int64
	closed atomic.Bool
}

// Dial connects to a device, performs the hello exchange and records the
// stamp baseline for drift correction.
func Dial(ctx context.Context, host string, token Token, logger Logger) (*Client, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", fmt.Sprintf("%s:%d", host, DefaultPort))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c := &Client{
		conn:   conn,
		token:  token,
		logger: logger,
		hub:    newHub(),
	}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// handshake sends the hello packet and records device id and stamp.
// Stale stamps read as replays device-side, so every later request derives
// its stamp from this baseline plus elapsed wall-clock time.
func (c *Client) handshake() error {
	if _, err := c.conn.Write(Hello()); err != nil {
		return fmt.Errorf("%w: hello send: %w", ErrConnect, err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	buf := make([]byte, maxFrameSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: hello reply: %w", ErrConnect, err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	p, err := Decode(buf[:n], c.token)
	if err != nil {
		return fmt.Errorf("%w: hello decode: %w", ErrConnect, err)
	}

	c.deviceID = p.DeviceID
	c.baseStamp = p.Stamp
	c.started = time.Now()
	return nil
}

// DeviceID returns the id learned from the hello exchange.
func (c *Client) DeviceID() uint32 {
	return c.deviceID
}

// stamp returns the device-local clock projected onto now.
func (c *Client) stamp() uint32 {
	return c.baseStamp + uint32(time.Since(c.started).Seconds())
}

// Run pumps inbound frames into the correlation hub until ctx is cancelled
// or the transport fails.
//
// Malformed frames are logged and dropped. A decryption failure returns
// ErrInvalidToken, which the device supervisor treats as fatal; any other
// transport error returns ErrDisconnect for retry with backoff.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.closed.Store(true)
		c.conn.Close()
	}()

	buf := make([]byte, maxFrameSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrDisconnect, err)
		}

		p, err := Decode(buf[:n], c.token)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				return err
			}
			c.logger.Warn("dropping malformed frame", "device_id", c.deviceID, "error", err)
			continue
		}
		if len(p.Payload) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(trimPayload(p.Payload), &msg); err != nil {
			c.logger.Warn("dropping undecodable payload", "device_id", c.deviceID, "error", err)
			continue
		}
		c.hub.publish(msg)
	}
}

// trimPayload strips trailing NULs some firmwares append after the JSON.
func trimPayload(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// Close tears down the transport.
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}

// Send transmits one raw command body with a fresh drift-corrected stamp.
func (c *Client) Send(cmd []byte) error {
	frame := Encode(Packet{
		DeviceID: c.deviceID,
		Stamp:    c.stamp(),
		Payload:  cmd,
	}, c.token)
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnect, err)
	}
	return nil
}

// Subscribe returns a stream of every parsed inbound message. The cancel
// function must be called when the subscriber is done.
func (c *Client) Subscribe() (<-chan Message, func()) {
	return c.hub.subscribe()
}

// Request sends a method call and awaits the first inbound message whose id
// matches, or fails with ErrTimeout. A timeout of zero uses the UDP default.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = DefaultUDPTimeout
	}
	id := c.nextID.Add(1)

	body, err := json.Marshal(Message{ID: id, Method: method, Params: marshalParams(params)})
	if err != nil {
		return Message{}, fmt.Errorf("%w: encoding request: %w", ErrProtocol, err)
	}

	ch, cancel := c.hub.subscribe()
	defer cancel()

	if err := c.Send(body); err != nil {
		return Message{}, err
	}
	return awaitID(ctx, ch, id, timeout)
}

// GetProperties reads a batch of MIoT properties. The device must answer
// one entry per requested property; a shorter or longer result is a
// protocol error.
func (c *Client) GetProperties(ctx context.Context, props []Property, timeout time.Duration) ([]Property, error) {
	msg, err := c.Request(ctx, "get_properties", props, timeout)
	if err != nil {
		return nil, err
	}
	return decodePropResult(msg, len(props))
}

// SetProperties writes a batch of MIoT properties and returns the
// per-property status entries.
func (c *Client) SetProperties(ctx context.Context, props []Property, timeout time.Duration) ([]Property, error) {
	msg, err := c.Request(ctx, "set_properties", props, timeout)
	if err != nil {
		return nil, err
	}
	return decodePropResult(msg, len(props))
}

// marshalParams normalizes params so an omitted nil still serializes as [].
func marshalParams(params any) json.RawMessage {
	if params == nil {
		return json.RawMessage("[]")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage("[]")
	}
	return raw
}

// awaitID drains the subscription until a message carries the wanted id.
func awaitID(ctx context.Context, ch <-chan Message, id int64, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-ch:
			if msg.ID != id {
				continue
			}
			if msg.Error != nil {
				return msg, msg.Error
			}
			return msg, nil
		case <-timer.C:
			return Message{}, fmt.Errorf("%w: no reply for id %d within %v", ErrTimeout, id, timeout)
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// decodePropResult unpacks a property batch result and enforces the
// one-entry-per-request contract.
func decodePropResult(msg Message, want int) ([]Property, error) {
	var out []Property
	if err := json.Unmarshal(msg.Result, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding property result: %w", ErrProtocol, err)
	}
	if len(out) != want {
		return nil, fmt.Errorf("%w: requested %d properties, device answered %d", ErrProtocol, want, len(out))
	}
	return out, nil
}
