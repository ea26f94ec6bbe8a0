package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"homeport/internal/entity"
	"homeport/internal/miio"
)

// Wifi is a Mi-Home Wi-Fi device reached directly over stamped UDP.
//
// Run holds one protocol session: a listen loop pumping inbound frames and
// a poll loop refreshing the registered property set every 70 seconds.
// Either loop failing ends the session and hands control back to the
// supervisor.
type Wifi struct {
	did    string
	host   string
	token  miio.Token
	info   HapInfo
	logger Logger

	emitter *Emitter
	retry   *RetryInfo

	mu         sync.Mutex
	client     *miio.Client
	registered []miio.Property
}

// NewWifi builds the runtime from the device row and its Mi-Home record.
func NewWifi(d *entity.Device, mi *entity.MiDevice, logger Logger) (*Wifi, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	token, err := miio.ParseToken(mi.Token)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.SourceID, err)
	}
	host := mi.LocalIP
	if ip, ok := d.Params["ip"].(string); ok && ip != "" {
		host = ip
	}
	if host == "" {
		return nil, fmt.Errorf("device %s has no ip: %w", d.SourceID, ErrNotSupported)
	}

	return &Wifi{
		did:     d.SourceID,
		host:    host,
		token:   token,
		logger:  logger,
		emitter: NewEmitter(DefaultEmitterCap, logger),
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

func (w *Wifi) DevID() string                 { return w.did }
func (w *Wifi) DeviceType() entity.DeviceType { return entity.DeviceWifi }
func (w *Wifi) Retry() *RetryInfo             { return w.retry }
func (w *Wifi) Events() *Emitter              { return w.emitter }
func (w *Wifi) HapInfo() HapInfo              { return w.info }

// RegisterProperties adds properties to the poll set, deduplicating by
// (siid, piid). Delegates register their reads at accessory build time.
func (w *Wifi) RegisterProperties(props ...miio.Property) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range props {
		seen := false
		for _, q := range w.registered {
			if q.Siid == p.Siid && q.Piid == p.Piid {
				seen = true
				break
			}
		}
		if !seen {
			w.registered = append(w.registered, miio.Property{Did: w.did, Siid: p.Siid, Piid: p.Piid})
		}
	}
}

func (w *Wifi) pollSet() []miio.Property {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]miio.Property(nil), w.registered...)
}

func (w *Wifi) currentClient() *miio.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

// Run owns one UDP session: handshake, then listen and poll concurrently.
func (w *Wifi) Run(ctx context.Context) error {
	client, err := miio.Dial(ctx, w.host, w.token, w.logger)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.client = client
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.client = nil
		w.mu.Unlock()
		client.Close()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- client.Run(runCtx) }()
	go func() { errCh <- w.pollLoop(runCtx, client) }()

	err = <-errCh
	cancel()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// pollLoop refreshes the registered properties and emits PropertyChanged
// events. Timeouts are retryable and do not end the session.
func (w *Wifi) pollLoop(ctx context.Context, client *miio.Client) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := w.pollOnce(ctx, client); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Wifi) pollOnce(ctx context.Context, client *miio.Client) error {
	props := w.pollSet()
	if len(props) == 0 {
		return nil
	}

	res, err := client.GetProperties(ctx, props, 0)
	switch {
	case err == nil:
		w.retry.Reset()
		w.emitter.Emit(Event{Kind: KindPropertyChanged, DevID: w.did, Properties: res})
		return nil
	case errors.Is(err, miio.ErrTimeout), errors.Is(err, miio.ErrProtocol):
		w.logger.Warn("poll failed", "did", w.did, "error", err)
		return nil
	default:
		return err
	}
}

// GetProperties reads properties over the live session.
func (w *Wifi) GetProperties(ctx context.Context, props []miio.Property, timeout time.Duration) ([]miio.Property, error) {
	client := w.currentClient()
	if client == nil {
		return nil, fmt.Errorf("device %s: %w", w.did, ErrNotRunning)
	}
	res, err := client.GetProperties(ctx, w.withDid(props), timeout)
	if err == nil {
		w.retry.Reset()
	}
	return res, err
}

// SetProperties writes properties over the live session.
func (w *Wifi) SetProperties(ctx context.Context, props []miio.Property, timeout time.Duration) ([]miio.Property, error) {
	client := w.currentClient()
	if client == nil {
		return nil, fmt.Errorf("device %s: %w", w.did, ErrNotRunning)
	}
	res, err := client.SetProperties(ctx, w.withDid(props), timeout)
	if err == nil {
		w.retry.Reset()
	}
	return res, err
}

// withDid stamps the device's did onto property entries that omit it.
func (w *Wifi) withDid(props []miio.Property) []miio.Property {
	out := make([]miio.Property, len(props))
	for i, p := range props {
		if p.Did == "" {
			p.Did = w.did
		}
		out[i] = p
	}
	return out
}
