package hapkit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/brutella/hap"

	"homeport/internal/delegate"
	"homeport/internal/device"
	"homeport/internal/entity"
)

// Manager is the process-wide HAP registry: one server task per enabled
// bridge, plus id indexes over every live accessory. It satisfies
// delegate.CharUpdater so delegates can push values back into the tree.
type Manager struct {
	repo     *entity.Repository
	devices  *device.Manager
	registry *delegate.Registry
	logger   Logger

	mu        sync.Mutex
	bridges   map[int64]*bridgeTask
	accs      map[int64]*AccessoryNode // aid
	accBridge map[int64]int64          // aid -> bridge id
	byDevice  map[int64][]int64        // device row id -> aids
}

type bridgeTask struct {
	bridge entity.Bridge
	server *hap.Server
	cancel context.CancelFunc
	done   chan struct{}
	aids   []int64
}

// NewManager builds an empty HAP manager.
func NewManager(repo *entity.Repository, devices *device.Manager, registry *delegate.Registry, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	if registry == nil {
		registry = delegate.NewRegistry()
	}
	return &Manager{
		repo:      repo,
		devices:   devices,
		registry:  registry,
		logger:    logger,
		bridges:   make(map[int64]*bridgeTask),
		accs:      make(map[int64]*AccessoryNode),
		accBridge: make(map[int64]int64),
		byDevice:  make(map[int64][]int64),
	}
}

// StartAll pushes a server for every enabled bridge. A bridge that fails
// to start is logged and skipped.
func (m *Manager) StartAll(ctx context.Context) error {
	bridges, err := m.repo.ListEnabledBridges(ctx)
	if err != nil {
		return fmt.Errorf("listing bridges: %w", err)
	}
	for _, b := range bridges {
		if err := m.PushServer(ctx, b.ID); err != nil {
			m.logger.Error("bridge start failed", "bridge", b.ID, "name", b.Name, "error", err)
		}
	}
	return nil
}

// StopServer fires the bridge's stop signal without waiting for the
// server task to exit.
func (m *Manager) StopServer(bridgeID int64) error {
	m.mu.Lock()
	t, ok := m.bridges[bridgeID]
	m.mu.Unlock()
	if !ok {
		return ErrBridgeNotRunning
	}
	t.cancel()
	return nil
}

// stopServerWait stops the bridge and removes its accessories from the
// indexes once the task has exited.
func (m *Manager) stopServerWait(bridgeID int64) error {
	m.mu.Lock()
	t, ok := m.bridges[bridgeID]
	if ok {
		delete(m.bridges, bridgeID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrBridgeNotRunning
	}

	t.cancel()
	<-t.done

	m.mu.Lock()
	for _, aid := range t.aids {
		node := m.accs[aid]
		delete(m.accs, aid)
		delete(m.accBridge, aid)
		if node != nil {
			m.dropDeviceIndex(node.DeviceID, aid)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) dropDeviceIndex(deviceID, aid int64) {
	aids := m.byDevice[deviceID]
	for i, a := range aids {
		if a == aid {
			m.byDevice[deviceID] = append(aids[:i], aids[i+1:]...)
			break
		}
	}
	if len(m.byDevice[deviceID]) == 0 {
		delete(m.byDevice, deviceID)
	}
}

// StopAll stops every bridge and waits for the tasks to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.bridges))
	for id := range m.bridges {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.stopServerWait(id); err != nil && !errors.Is(err, ErrBridgeNotRunning) {
			m.logger.Warn("bridge stop failed", "bridge", id, "error", err)
		}
	}
}

// RestartBridge stops and restarts one bridge, rereading its rows.
func (m *Manager) RestartBridge(ctx context.Context, bridgeID int64) error {
	if err := m.stopServerWait(bridgeID); err != nil && !errors.Is(err, ErrBridgeNotRunning) {
		return err
	}
	b, err := m.repo.GetBridge(ctx, bridgeID)
	if err != nil {
		return err
	}
	if b.Disabled {
		return nil
	}
	return m.PushServer(ctx, bridgeID)
}

// Reset clears the bridge's pairings, returns it to not_paired and
// restarts it with a fresh accessory database version.
func (m *Manager) Reset(ctx context.Context, bridgeID int64) error {
	if err := m.stopServerWait(bridgeID); err != nil && !errors.Is(err, ErrBridgeNotRunning) {
		return err
	}
	if err := m.repo.ResetBridge(ctx, bridgeID); err != nil {
		return err
	}
	b, err := m.repo.GetBridge(ctx, bridgeID)
	if err != nil {
		return err
	}
	if b.Disabled {
		return nil
	}
	return m.PushServer(ctx, bridgeID)
}

// IsRunning reports whether a server task is installed for the bridge.
func (m *Manager) IsRunning(bridgeID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bridges[bridgeID]
	return ok
}

// Accessory resolves a live accessory node by aid.
func (m *Manager) Accessory(aid int64) (*AccessoryNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.accs[aid]
	return node, ok
}

// AccessoriesByDevice returns the aids currently backed by a device row.
func (m *Manager) AccessoriesByDevice(deviceID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.byDevice[deviceID]...)
}

// UpdateCharValue implements delegate.CharUpdater: apply the value in a
// fresh goroutine so the caller, possibly a delegate running inside a
// read or update batch, never re-enters the accessory lock.
func (m *Manager) UpdateCharValue(aid, sid int64, charType string, value any) {
	go m.UpdateCharValueByID(aid, sid, charType, value)
}

// UpdateCharValueByID locates a characteristic by accessory, service and
// HAP type and applies the value, raising a HAP event notification.
func (m *Manager) UpdateCharValueByID(aid, sid int64, charType string, value any) {
	m.mu.Lock()
	node, ok := m.accs[aid]
	m.mu.Unlock()
	if !ok {
		return
	}
	ch, ok := node.CharByType(sid, charType)
	if !ok {
		return
	}
	if err := ch.SetValue(value); err != nil {
		m.logger.Warn("characteristic update failed",
			"aid", aid, "sid", sid, "type", charType, "error", err)
	}
}

// UpdateCharValueByAccessory is the same operation when the caller
// already holds the node.
func (m *Manager) UpdateCharValueByAccessory(node *AccessoryNode, sid, cid int64, value any) {
	ch, ok := node.Char(cid)
	if !ok {
		return
	}
	if err := ch.SetValue(value); err != nil {
		m.logger.Warn("characteristic update failed",
			"aid", node.Row.Aid, "sid", sid, "cid", cid, "error", err)
	}
}
