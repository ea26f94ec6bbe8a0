package device_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"homeport/internal/device"
	"homeport/internal/entity"
	"homeport/internal/infrastructure/database"
	_ "homeport/migrations"
)

func testRepo(t *testing.T) *entity.Repository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "homeport.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return entity.NewRepository(db.DB)
}

func mustVirtualDevice(t *testing.T, repo *entity.Repository, tag string) *entity.Device {
	t.Helper()
	d := &entity.Device{
		Tag:      tag,
		Type:     entity.DeviceVirtual,
		Platform: "virtual",
		SourceID: "virtual." + tag,
		Name:     tag,
		Params:   map[string]any{},
	}
	if err := repo.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice(%s) error = %v", tag, err)
	}
	return d
}

func TestManagerLifecycle(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	d := mustVirtualDevice(t, repo, "lamp")

	m := device.NewManager(repo, nil)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)

	if !m.IsRunning(d.ID) {
		t.Fatal("IsRunning() = false after Start")
	}

	r, err := m.Runner(d.ID)
	if err != nil {
		t.Fatalf("Runner() error = %v", err)
	}
	if r.DevID() != d.SourceID {
		t.Errorf("Runner().DevID() = %q, want %q", r.DevID(), d.SourceID)
	}
	if _, err := m.RunnerByDid(d.SourceID); err != nil {
		t.Errorf("RunnerByDid() error = %v", err)
	}

	if err := m.StopDevice(d.ID); err != nil {
		t.Fatalf("StopDevice() error = %v", err)
	}
	if m.IsRunning(d.ID) {
		t.Error("IsRunning() = true after StopDevice")
	}
	if _, err := m.Runner(d.ID); !errors.Is(err, device.ErrNotInstalled) {
		t.Errorf("Runner() after stop error = %v, want ErrNotInstalled", err)
	}
	if err := m.StopDevice(d.ID); !errors.Is(err, device.ErrNotInstalled) {
		t.Errorf("second StopDevice() error = %v, want ErrNotInstalled", err)
	}
}

func TestManagerSkipsOrphanChild(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	// A BLE child whose gateway is disabled must not stop the rest of the
	// fleet from installing.
	gw := &entity.Device{
		Tag:      "gw",
		Type:     entity.DeviceMqttGateway,
		Platform: "mi_home",
		SourceID: "gw.1",
		Name:     "gw",
		Disabled: true,
		Params:   map[string]any{"ip": "192.0.2.10"},
	}
	if err := repo.CreateDevice(ctx, gw); err != nil {
		t.Fatalf("CreateDevice(gw) error = %v", err)
	}
	orphan := &entity.Device{
		Tag:       "orphan",
		Type:      entity.DeviceBle,
		GatewayID: &gw.ID,
		Platform:  "mi_home",
		SourceID:  "blt.3.orphan",
		Name:      "orphan",
		Params:    map[string]any{},
	}
	if err := repo.CreateDevice(ctx, orphan); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	d := mustVirtualDevice(t, repo, "fan")

	m := device.NewManager(repo, nil)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)

	if m.IsRunning(orphan.ID) {
		t.Error("orphan child installed without a gateway")
	}
	if !m.IsRunning(d.ID) {
		t.Error("healthy device skipped because a sibling failed")
	}
}

func TestManagerRestartDevice(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	d := mustVirtualDevice(t, repo, "plug")

	m := device.NewManager(repo, nil)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)

	if err := m.RestartDevice(ctx, d.ID); err != nil {
		t.Fatalf("RestartDevice() error = %v", err)
	}
	if !m.IsRunning(d.ID) {
		t.Error("IsRunning() = false after restart")
	}

	// Disabling the row makes restart a stop.
	d.Disabled = true
	if err := repo.UpdateDevice(ctx, d); err != nil {
		t.Fatalf("UpdateDevice() error = %v", err)
	}
	if err := m.RestartDevice(ctx, d.ID); err != nil {
		t.Fatalf("RestartDevice(disabled) error = %v", err)
	}
	if m.IsRunning(d.ID) {
		t.Error("disabled device still running after restart")
	}
}
