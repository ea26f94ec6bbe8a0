package miio

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one parsed JSON-RPC frame, inbound or outbound. Requests carry
// Method/Params, responses carry Result or Error; both carry the id used
// for correlation. Unsolicited gateway reports reuse the same shape with
// Method set (e.g. "_async.ble_event") and an id of zero.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is the vendor's error object inside a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("miio: rpc error %d: %s", e.Code, e.Message)
}

// Property addresses one MIoT property and, depending on direction, carries
// its value or the per-property result code (0 = ok).
type Property struct {
	Did   string `json:"did,omitempty"`
	Siid  int    `json:"siid"`
	Piid  int    `json:"piid"`
	Value any    `json:"value,omitempty"`
	Code  *int   `json:"code,omitempty"`
}

// Ok reports whether a set/get result entry succeeded.
func (p Property) Ok() bool {
	return p.Code == nil || *p.Code == 0
}

// hubChanCap bounds each subscriber's buffer. Correlation subscribers read
// promptly; if one stalls past the buffer, new messages for it are dropped
// rather than blocking the transport read loop.
const hubChanCap = 16

// hub fans parsed inbound messages out to all current subscribers.
type hub struct {
	mu   sync.Mutex
	subs map[chan Message]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan Message]struct{})}
}

// subscribe registers a new subscriber channel. The caller must invoke the
// returned cancel function when done.
func (h *hub) subscribe() (<-chan Message, func()) {
	ch := make(chan Message, hubChanCap)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers msg to every subscriber without ever blocking.
func (h *hub) publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
