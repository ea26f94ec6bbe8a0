package hapkit

import (
	"context"
	"fmt"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"

	"homeport/internal/delegate"
	"homeport/internal/device"
	"homeport/internal/entity"
)

// builtAccessory couples a live node with its delegate engine and runner.
type builtAccessory struct {
	node   *AccessoryNode
	engine *delegate.Engine
	runner device.Runner
}

// PushServer builds the bridge's accessory graph, wires it through the
// delegate engine and spawns the HAP server task. An accessory that fails
// to build is logged and skipped; the rest of the bridge still starts.
func (m *Manager) PushServer(ctx context.Context, bridgeID int64) error {
	m.mu.Lock()
	_, running := m.bridges[bridgeID]
	m.mu.Unlock()
	if running {
		return ErrBridgeRunning
	}

	bridge, err := m.repo.GetBridge(ctx, bridgeID)
	if err != nil {
		return err
	}

	built, err := m.buildAccessories(ctx, bridge)
	if err != nil {
		return err
	}
	if bridge.SingleAccessory && len(built) != 1 {
		return fmt.Errorf("bridge %d owns %d accessories: %w",
			bridgeID, len(built), ErrSingleAccessoryCount)
	}
	if len(built) == 0 {
		return fmt.Errorf("bridge %d owns no startable accessories: %w",
			bridgeID, entity.ErrNotFound)
	}

	// The accessory database shape may have changed since the last run;
	// controllers re-fetch when c# moves.
	if _, err := m.repo.BumpConfigVersion(ctx, bridgeID); err != nil {
		return err
	}

	var (
		primary *accessory.A
		rest    []*accessory.A
	)
	if bridge.SingleAccessory {
		// A standalone accessory serves its own aid 1.
		built[0].node.A.Id = 1
		primary = built[0].node.A
	} else {
		bridgeAcc := accessory.NewBridge(accessory.Info{
			Name:         bridge.Name,
			Manufacturer: "homeport",
			Model:        "bridge",
			SerialNumber: bridge.DeviceID,
		})
		bridgeAcc.A.Id = 1
		primary = bridgeAcc.A
		for _, b := range built {
			rest = append(rest, b.node.A)
		}
	}

	server, err := hap.NewServer(NewStore(m.repo, bridgeID), primary, rest...)
	if err != nil {
		return fmt.Errorf("building hap server: %w", err)
	}
	server.Pin = entity.FormatPin(bridge.PinCode)
	server.Addr = fmt.Sprintf(":%d", bridge.Port)

	runCtx, cancel := context.WithCancel(context.Background())
	t := &bridgeTask{
		bridge: *bridge,
		server: server,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if _, running := m.bridges[bridgeID]; running {
		m.mu.Unlock()
		cancel()
		return ErrBridgeRunning
	}
	m.bridges[bridgeID] = t
	for _, b := range built {
		aid := b.node.Row.Aid
		t.aids = append(t.aids, aid)
		m.accs[aid] = b.node
		m.accBridge[aid] = bridgeID
		m.byDevice[b.node.DeviceID] = append(m.byDevice[b.node.DeviceID], aid)
	}
	m.mu.Unlock()

	for _, b := range built {
		if b.engine.SubscribesEvents() {
			go m.pumpEvents(runCtx, b)
		}
	}

	go func() {
		defer close(t.done)
		err := server.ListenAndServe(runCtx)
		if err != nil && runCtx.Err() == nil {
			m.logger.Error("hap server exited", "bridge", bridgeID, "error", err)
		}
	}()

	m.logger.Info("bridge started",
		"bridge", bridgeID,
		"name", bridge.Name,
		"port", bridge.Port,
		"accessories", len(built),
		"setup_hash", ComputeSetupHash(bridge.SetupID, bridge.DeviceID))
	return nil
}

// buildAccessories loads and assembles every enabled accessory of a
// bridge. Build failures skip the accessory, not the bridge.
func (m *Manager) buildAccessories(ctx context.Context, bridge *entity.Bridge) ([]builtAccessory, error) {
	rows, err := m.repo.ListAccessoriesByBridge(ctx, bridge.ID)
	if err != nil {
		return nil, err
	}

	var built []builtAccessory
	for _, row := range rows {
		if row.Disabled {
			continue
		}
		b, err := m.buildOne(ctx, row)
		if err != nil {
			m.logger.Error("accessory build failed",
				"aid", row.Aid, "name", row.Name, "error", err)
			continue
		}
		built = append(built, b)
	}
	return built, nil
}

func (m *Manager) buildOne(ctx context.Context, row entity.Accessory) (builtAccessory, error) {
	runner, err := m.devices.Runner(row.DeviceID)
	if err != nil {
		return builtAccessory{}, fmt.Errorf("device %d: %w", row.DeviceID, err)
	}

	svcRows, err := m.loadServices(ctx, row.Aid)
	if err != nil {
		return builtAccessory{}, err
	}

	node, err := BuildAccessory(row, svcRows, runner.HapInfo(), m.logger)
	if err != nil {
		return builtAccessory{}, err
	}

	engine, err := delegate.NewEngine(m.registry, row.Delegates, node.CharBindings(), delegate.Config{
		Runner:  runner,
		Updater: m,
		Logger:  m.logger,
	})
	if err != nil {
		return builtAccessory{}, err
	}
	node.WireHandler(engine, m.logger)

	return builtAccessory{node: node, engine: engine, runner: runner}, nil
}

func (m *Manager) loadServices(ctx context.Context, aid int64) ([]serviceRows, error) {
	services, err := m.repo.ListServicesByAccessory(ctx, aid)
	if err != nil {
		return nil, err
	}
	out := make([]serviceRows, 0, len(services))
	for _, s := range services {
		chars, err := m.repo.ListCharacteristicsByService(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, serviceRows{Service: s, Chars: chars})
	}
	return out, nil
}

// pumpEvents forwards the device's event stream into the accessory's
// delegate engine until the bridge stops.
func (m *Manager) pumpEvents(ctx context.Context, b builtAccessory) {
	id, events := b.runner.Events().AddListener()
	defer b.runner.Events().RemoveListener(id)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			b.engine.OnEvent(ctx, ev)
		}
	}
}
