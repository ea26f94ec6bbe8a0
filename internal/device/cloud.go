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

// Cloud is a device reached through the vendor cloud instead of the LAN.
// There is no session to hold open; Run is a poll loop over signed HTTPS
// requests. A rejected session (expired service token) is fatal and parks
// the device until credentials are refreshed.
type Cloud struct {
	did    string
	client *miio.CloudClient
	info   HapInfo
	logger Logger

	emitter *Emitter
	retry   *RetryInfo

	mu         sync.Mutex
	registered []miio.Property
}

// NewCloud builds the runtime. The cloud account is taken from the device
// params or the Mi-Home record.
func NewCloud(d *entity.Device, mi *entity.MiDevice, logger Logger) (*Cloud, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	account := ""
	if a, ok := d.Params["account"].(string); ok {
		account = a
	}
	if account == "" && mi != nil {
		account = mi.Account
	}
	if account == "" {
		return nil, fmt.Errorf("cloud device %s has no account: %w", d.SourceID, ErrNotSupported)
	}
	client, err := miio.ParseCloudAccount(account)
	if err != nil {
		return nil, fmt.Errorf("cloud device %s: %w", d.SourceID, err)
	}

	model := "cloud"
	serial := d.SourceID
	if mi != nil {
		model = mi.Model
		serial = mi.Did
	}
	return &Cloud{
		did:     d.SourceID,
		client:  client,
		logger:  logger,
		emitter: NewEmitter(DefaultEmitterCap, logger),
		retry:   NewRetryInfo(),
		info: HapInfo{
			Manufacturer: "Xiaomi",
			Model:        model,
			Serial:       serial,
			SwRev:        "1.0",
			FwRev:        "1.0",
		},
	}, nil
}

func (c *Cloud) DevID() string                 { return c.did }
func (c *Cloud) DeviceType() entity.DeviceType { return entity.DeviceCloud }
func (c *Cloud) Retry() *RetryInfo             { return c.retry }
func (c *Cloud) Events() *Emitter              { return c.emitter }
func (c *Cloud) HapInfo() HapInfo              { return c.info }

// RegisterProperties adds properties to the poll set, deduplicating by
// (siid, piid).
func (c *Cloud) RegisterProperties(props ...miio.Property) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range props {
		seen := false
		for _, q := range c.registered {
			if q.Siid == p.Siid && q.Piid == p.Piid {
				seen = true
				break
			}
		}
		if !seen {
			c.registered = append(c.registered, miio.Property{Did: c.did, Siid: p.Siid, Piid: p.Piid})
		}
	}
}

func (c *Cloud) pollSet() []miio.Property {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]miio.Property(nil), c.registered...)
}

// Run polls the registered property set until the context is cancelled.
func (c *Cloud) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if err := c.pollOnce(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Cloud) pollOnce(ctx context.Context) error {
	props := c.pollSet()
	if len(props) == 0 {
		return nil
	}
	res, err := c.GetProperties(ctx, props, 0)
	switch {
	case err == nil:
		c.emitter.Emit(Event{Kind: KindPropertyChanged, DevID: c.did, Properties: res})
		return nil
	case errors.Is(err, miio.ErrTimeout), errors.Is(err, miio.ErrProtocol), errors.Is(err, miio.ErrDisconnect):
		c.logger.Warn("cloud poll failed", "did", c.did, "error", err)
		return nil
	default:
		return err
	}
}

// GetProperties reads properties through the cloud.
func (c *Cloud) GetProperties(ctx context.Context, props []miio.Property, timeout time.Duration) ([]miio.Property, error) {
	if timeout <= 0 {
		timeout = miio.DefaultCloudTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.client.GetProperties(ctx, c.withDid(props))
	if err == nil {
		c.retry.Reset()
	}
	return res, err
}

// SetProperties writes properties through the cloud.
func (c *Cloud) SetProperties(ctx context.Context, props []miio.Property, timeout time.Duration) ([]miio.Property, error) {
	if timeout <= 0 {
		timeout = miio.DefaultCloudTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.client.SetProperties(ctx, c.withDid(props))
	if err == nil {
		c.retry.Reset()
	}
	return res, err
}

func (c *Cloud) withDid(props []miio.Property) []miio.Property {
	out := make([]miio.Property, len(props))
	for i, p := range props {
		if p.Did == "" {
			p.Did = c.did
		}
		out[i] = p
	}
	return out
}
