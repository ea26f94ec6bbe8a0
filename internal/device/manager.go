package device

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"homeport/internal/ble"
	"homeport/internal/entity"
	"homeport/internal/miio"
)

// Manager owns the device runtimes: it builds a Runner per enabled device
// row, supervises each in its own goroutine with exponential backoff, and
// indexes them by row id and by did.
//
// Gateways install before their children so a child can resolve its
// gateway runtime at construction time. A runner that fails with
// ErrInvalidToken is parked: it stays installed but is no longer
// restarted, since retrying a bad token only wakes the neighbours' radios.
type Manager struct {
	repo   *entity.Repository
	logger Logger

	mu    sync.Mutex
	tasks map[int64]*task
	byDid map[string]int64
}

type task struct {
	device entity.Device
	runner Runner
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	running bool
	parked  bool
}

// NewManager builds an empty manager over the repository.
func NewManager(repo *entity.Repository, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		repo:   repo,
		logger: logger,
		tasks:  make(map[int64]*task),
		byDid:  make(map[string]int64),
	}
}

// Start installs every enabled device. Gateways and other standalone
// devices go first, then gateway children. A device that fails to
// construct is logged and skipped; the rest keep starting.
func (m *Manager) Start(ctx context.Context) error {
	devices, err := m.repo.ListEnabledDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	var children []entity.Device
	for _, d := range devices {
		if d.Type.RequiresGateway() {
			children = append(children, d)
			continue
		}
		if err := m.StartDevice(ctx, d); err != nil {
			m.logger.Error("device install failed", "id", d.ID, "did", d.SourceID, "type", d.Type, "error", err)
		}
	}
	for _, d := range children {
		if err := m.StartDevice(ctx, d); err != nil {
			m.logger.Error("device install failed", "id", d.ID, "did", d.SourceID, "type", d.Type, "error", err)
		}
	}
	return nil
}

// StartDevice builds and supervises one device. Starting an already
// installed device is a no-op.
func (m *Manager) StartDevice(ctx context.Context, d entity.Device) error {
	m.mu.Lock()
	if _, ok := m.tasks[d.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	runner, err := m.buildRunner(ctx, d)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		device: d,
		runner: runner,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.running = true

	m.mu.Lock()
	if _, ok := m.tasks[d.ID]; ok {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.tasks[d.ID] = t
	m.byDid[d.SourceID] = d.ID
	m.mu.Unlock()

	go m.supervise(runCtx, t)
	m.logger.Info("device installed", "id", d.ID, "did", d.SourceID, "type", d.Type)
	return nil
}

// buildRunner constructs the runtime for one device row.
func (m *Manager) buildRunner(ctx context.Context, d entity.Device) (Runner, error) {
	var mi *entity.MiDevice
	if d.Platform == "mi_home" {
		rec, err := m.repo.GetMiDevice(ctx, d.SourceID)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return nil, err
		}
		mi = rec
	}

	switch d.Type {
	case entity.DeviceWifi:
		if mi == nil {
			return nil, fmt.Errorf("device %s has no mi_home record: %w", d.SourceID, entity.ErrNotFound)
		}
		return NewWifi(&d, mi, m.logger)
	case entity.DeviceMqttGateway:
		if mi == nil {
			return nil, fmt.Errorf("device %s has no mi_home record: %w", d.SourceID, entity.ErrNotFound)
		}
		return NewGateway(&d, mi, m.logger)
	case entity.DeviceBle:
		gw, err := m.gatewayOf(d)
		if err != nil {
			return nil, err
		}
		return NewBleChild(&d, mi, gw, m.bleKeys(), m.logger)
	case entity.DeviceMesh, entity.DeviceChild:
		gw, err := m.gatewayOf(d)
		if err != nil {
			return nil, err
		}
		return NewMesh(&d, mi, gw, m.logger)
	case entity.DeviceCloud:
		return NewCloud(&d, mi, m.logger)
	case entity.DeviceVirtual:
		return NewVirtual(&d, m.logger)
	default:
		return nil, fmt.Errorf("device type %q: %w", d.Type, ErrNotSupported)
	}
}

// gatewayOf resolves a child's installed gateway runtime.
func (m *Manager) gatewayOf(d entity.Device) (*Gateway, error) {
	if d.GatewayID == nil {
		return nil, fmt.Errorf("device %s has no gateway id: %w", d.SourceID, ErrNotGateway)
	}
	m.mu.Lock()
	t, ok := m.tasks[*d.GatewayID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("gateway %d not installed: %w", *d.GatewayID, ErrNotGateway)
	}
	gw, ok := t.runner.(*Gateway)
	if !ok {
		return nil, fmt.Errorf("device %d is not a gateway: %w", *d.GatewayID, ErrNotGateway)
	}
	return gw, nil
}

// bleKeys resolves per-MAC bindkeys from the repository.
func (m *Manager) bleKeys() ble.KeyFunc {
	return func(mac string) ([]byte, bool) {
		keyHex, err := m.repo.GetBleKey(context.Background(), mac)
		if err != nil || keyHex == "" {
			return nil, false
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			m.logger.Warn("stored bindkey not hex", "mac", mac)
			return nil, false
		}
		return key, true
	}
}

// supervise runs the device session loop with exponential backoff.
func (m *Manager) supervise(ctx context.Context, t *task) {
	defer close(t.done)
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	for {
		err := t.runner.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A clean return outside cancellation still restarts the
			// session, without growing the backoff.
			continue
		}
		if errors.Is(err, miio.ErrInvalidToken) {
			t.mu.Lock()
			t.parked = true
			t.mu.Unlock()
			m.logger.Error("device parked, token rejected", "did", t.runner.DevID(), "error", err)
			return
		}

		t.runner.Retry().Incr()
		delay := t.runner.Retry().Get()
		m.logger.Warn("device session ended, retrying",
			"did", t.runner.DevID(),
			"attempt", t.runner.Retry().Attempts(),
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// StopDevice cancels one device's supervision and waits for it to exit.
func (m *Manager) StopDevice(id int64) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
		delete(m.byDid, t.device.SourceID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotInstalled
	}
	t.cancel()
	<-t.done
	m.logger.Info("device stopped", "id", id, "did", t.device.SourceID)
	return nil
}

// Stop cancels every device. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for id, t := range m.tasks {
		tasks = append(tasks, t)
		delete(m.tasks, id)
		delete(m.byDid, t.device.SourceID)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// RestartDevice stops and reinstalls one device, rereading its row.
func (m *Manager) RestartDevice(ctx context.Context, id int64) error {
	if err := m.StopDevice(id); err != nil && !errors.Is(err, ErrNotInstalled) {
		return err
	}
	d, err := m.repo.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if d.Disabled {
		return nil
	}
	return m.StartDevice(ctx, *d)
}

// IsRunning reports whether the device's supervision loop is alive.
func (m *Manager) IsRunning(id int64) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && !t.parked
}

// Runner returns the installed runtime for a device row id.
func (m *Manager) Runner(id int64) (Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotInstalled
	}
	return t.runner, nil
}

// RunnerByDid returns the installed runtime for a platform did.
func (m *Manager) RunnerByDid(did string) (Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byDid[did]
	if !ok {
		return nil, ErrNotInstalled
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotInstalled
	}
	return t.runner, nil
}

// InstalledIDs returns the row ids of every installed device.
func (m *Manager) InstalledIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}
