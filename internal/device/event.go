package device

import (
	"sync"

	"homeport/internal/miio"
)

// EventKind discriminates emitter payloads.
type EventKind string

const (
	// KindPropertyChanged carries fresh MIoT property values from a poll
	// or an unsolicited report.
	KindPropertyChanged EventKind = "property_changed"

	// KindGatewayMsg carries a raw central/report message from a gateway;
	// child devices filter these for their own did.
	KindGatewayMsg EventKind = "gateway_msg"

	// KindBleEvent carries one decoded BLE advertisement object.
	KindBleEvent EventKind = "ble_event"
)

// Event is one entry on a device's broadcast stream.
type Event struct {
	Kind       EventKind
	DevID      string
	Properties []miio.Property // KindPropertyChanged
	Message    miio.Message    // KindGatewayMsg
	BleEType   uint16          // KindBleEvent
	BleValue   int64           // KindBleEvent
}

// Emitter capacities. Gateways fan out every child report and need
// headroom; point devices emit rarely.
const (
	GatewayEmitterCap = 1024
	DefaultEmitterCap = 10
)

// Emitter is a bounded broadcast channel. Publishing never blocks: a
// subscriber that lags beyond its buffer loses the oldest events, and the
// loss is logged once per drop.
type Emitter struct {
	mu       sync.Mutex
	subs     map[int64]chan Event
	nextID   int64
	capacity int
	logger   Logger
}

// NewEmitter creates an emitter whose subscriber buffers hold capacity
// events each.
func NewEmitter(capacity int, logger Logger) *Emitter {
	if capacity <= 0 {
		capacity = DefaultEmitterCap
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Emitter{
		subs:     make(map[int64]chan Event),
		capacity: capacity,
		logger:   logger,
	}
}

// AddListener registers a subscriber and returns its id and stream.
func (e *Emitter) AddListener() (int64, <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	ch := make(chan Event, e.capacity)
	e.subs[id] = ch
	return id, ch
}

// RemoveListener drops a subscriber. Safe to call with a stale id.
func (e *Emitter) RemoveListener(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}

// Emit broadcasts ev to all subscribers. A full subscriber buffer sheds
// its oldest event to make room; producers are never blocked.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, ch := range e.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Buffer full: drop the oldest and retry once.
		select {
		case <-ch:
			e.logger.Warn("event listener lagging, dropping oldest event",
				"listener", id, "dev_id", ev.DevID)
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// ListenerCount returns the number of active subscribers.
func (e *Emitter) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
