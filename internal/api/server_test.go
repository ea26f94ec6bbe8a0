package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"homeport/internal/device"
	"homeport/internal/entity"
	"homeport/internal/infrastructure/config"
	"homeport/internal/infrastructure/database"
	"homeport/internal/infrastructure/logging"
	_ "homeport/migrations"
)

// testServer creates a Server over a real SQLite repository and an empty
// device manager.
func testServer(t *testing.T, auth config.APIAuth) (*Server, *entity.Repository) {
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
	repo := entity.NewRepository(db.DB)

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Auth: auth,
			Timeout: config.APITimers{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		Logger:  log,
		Repo:    repo,
		Devices: device.NewManager(repo, log),
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	srv.hub = NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return srv, repo
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Health and middleware
// =============================================================================

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodGet, "/api/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// =============================================================================
// Auth
// =============================================================================

func TestAuth_Disabled(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	// Protected routes pass without a token.
	w := doJSON(t, router, http.MethodGet, "/api/v1/bridges", "")
	if w.Code != http.StatusOK {
		t.Errorf("bridges status = %d, want %d", w.Code, http.StatusOK)
	}

	// Login reports that auth is off.
	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["auth"] != "disabled" {
		t.Errorf("auth = %v, want disabled", resp["auth"])
	}
}

func TestAuth_Enabled(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{Secret: "homeport-test-secret", TTL: 60})
	router := srv.buildRouter()

	// No token is rejected.
	w := doJSON(t, router, http.MethodGet, "/api/v1/bridges", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	// Wrong secret is rejected.
	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", `{"secret":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	// Correct secret issues a token.
	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", `{"secret":"homeport-test-secret"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var login loginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected token to be non-empty")
	}

	// The token opens protected routes.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/bridges", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with token status = %d, want %d", rec.Code, http.StatusOK)
	}

	// Garbage tokens do not.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/bridges", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

// =============================================================================
// Bridge endpoints
// =============================================================================

func TestBridgeCRUD(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodPost, "/api/v1/bridges", `{"name":"Living Room"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var created bridgeDTO
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	if created.ID == 0 {
		t.Error("expected bridge id to be assigned")
	}
	if created.Port != defaultBridgePort {
		t.Errorf("port = %d, want %d", created.Port, defaultBridgePort)
	}
	if len(created.PinCode) != 10 {
		t.Errorf("pin_code = %q, want XXX-XX-XXX shape", created.PinCode)
	}
	if created.StatusFlag != string(entity.StatusNotPaired) {
		t.Errorf("status_flag = %q, want %q", created.StatusFlag, entity.StatusNotPaired)
	}

	// Get by id.
	w = doJSON(t, router, http.MethodGet, "/api/v1/bridges/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", w.Code, http.StatusOK)
	}
	var got bridgeDTO
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal got: %v", err)
	}
	if got.Name != "Living Room" {
		t.Errorf("name = %q, want %q", got.Name, "Living Room")
	}

	// Patch the name.
	w = doJSON(t, router, http.MethodPatch, "/api/v1/bridges/1", `{"name":"Loft"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal patched: %v", err)
	}
	if got.Name != "Loft" {
		t.Errorf("name after patch = %q, want %q", got.Name, "Loft")
	}

	// Delete, then confirm gone.
	w = doJSON(t, router, http.MethodDelete, "/api/v1/bridges/1", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want %d", w.Code, http.StatusNoContent)
	}
	w = doJSON(t, router, http.MethodGet, "/api/v1/bridges/1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestBridgeSetup(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodPost, "/api/v1/bridges", `{"name":"Setup","pin_code":"111-22-333"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", w.Code, http.StatusCreated)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/bridges/1/setup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("setup status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["pin_code"] != "111-22-333" {
		t.Errorf("pin_code = %v, want 111-22-333", resp["pin_code"])
	}
	uri, _ := resp["setup_uri"].(string)
	if !strings.HasPrefix(uri, "X-HM://") {
		t.Errorf("setup_uri = %q, want X-HM:// prefix", uri)
	}
	hash, _ := resp["setup_hash"].(string)
	if len(hash) != 8 {
		t.Errorf("setup_hash = %q, want 8 chars", hash)
	}
}

func TestCreateBridge_Validation(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodPost, "/api/v1/bridges", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing name status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/bridges", "not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// =============================================================================
// Device endpoints
// =============================================================================

func TestDeviceCRUD(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	// Disabled so the manager never tries to open a transport.
	body := `{"tag":"lamp","type":"wifi","platform":"mi_home","source_id":"123456","name":"Desk Lamp","disabled":true}`
	w := doJSON(t, router, http.MethodPost, "/api/v1/devices", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var created deviceDTO
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	if created.ID == 0 {
		t.Error("expected device id to be assigned")
	}
	if created.Running {
		t.Error("disabled device reported running")
	}

	// Status endpoint agrees.
	w = doJSON(t, router, http.MethodGet, "/api/v1/devices/1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status status = %d, want %d", w.Code, http.StatusOK)
	}
	var status map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status["running"] != false {
		t.Errorf("running = %v, want false", status["running"])
	}

	// Patch the name.
	w = doJSON(t, router, http.MethodPatch, "/api/v1/devices/1", `{"name":"Bedside Lamp"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var patched deviceDTO
	if err := json.Unmarshal(w.Body.Bytes(), &patched); err != nil {
		t.Fatalf("unmarshal patched: %v", err)
	}
	if patched.Name != "Bedside Lamp" {
		t.Errorf("name = %q, want %q", patched.Name, "Bedside Lamp")
	}

	// Delete, then confirm gone.
	w = doJSON(t, router, http.MethodDelete, "/api/v1/devices/1", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want %d", w.Code, http.StatusNoContent)
	}
	w = doJSON(t, router, http.MethodGet, "/api/v1/devices/1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCreateDevice_Validation(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodPost, "/api/v1/devices", `{"tag":"lamp"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing fields status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestDeviceStatus_NotFound(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	w := doJSON(t, router, http.MethodGet, "/api/v1/devices/99/status", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRestartDevice_NotInstalled(t *testing.T) {
	srv, repo := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	d := &entity.Device{
		Tag:      "lamp",
		Type:     entity.DeviceWifi,
		Platform: "mi_home",
		SourceID: "123456",
		Disabled: true,
	}
	if err := repo.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/devices/1/restart", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("restart status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// =============================================================================
// Accessory endpoints
// =============================================================================

func seedAccessoryFixture(t *testing.T, repo *entity.Repository) (int64, int64) {
	t.Helper()
	ctx := context.Background()

	b, err := entity.NewBridge("Fixture", 51826, "")
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := repo.CreateBridge(ctx, b); err != nil {
		t.Fatalf("CreateBridge() error = %v", err)
	}

	d := &entity.Device{
		Tag:      "lamp",
		Type:     entity.DeviceWifi,
		Platform: "mi_home",
		SourceID: "123456",
		Disabled: true,
	}
	if err := repo.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	return d.ID, b.ID
}

func TestAccessoryCRUD(t *testing.T) {
	srv, repo := testServer(t, config.APIAuth{})
	router := srv.buildRouter()
	deviceID, bridgeID := seedAccessoryFixture(t, repo)

	body, _ := json.Marshal(map[string]any{
		"name": "Lamp", "tag": "lamp",
		"device_id": deviceID, "bridge_id": bridgeID, "category": 5,
	})
	w := doJSON(t, router, http.MethodPost, "/api/v1/accessories", string(body))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var created accessoryDTO
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	if created.Aid < 2 {
		t.Errorf("aid = %d, want >= 2 (aid 1 is the bridge)", created.Aid)
	}

	// Filter by bridge.
	w = doJSON(t, router, http.MethodGet, "/api/v1/accessories?bridge_id=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", w.Code, http.StatusOK)
	}
	var list []accessoryDTO
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list len = %d, want 1", len(list))
	}

	// Upsert a service with characteristics.
	svcBody := `{
		"tag": "light", "service_type": "43", "primary": true,
		"characteristics": [
			{"char_type": "25", "name": "power"},
			{"char_type": "8", "name": "brightness", "convertor": "scale", "convertor_params": {"factor": 1.0}}
		]
	}`
	path := "/api/v1/accessories/" + itoa(created.Aid) + "/services"
	w = doJSON(t, router, http.MethodPost, path, svcBody)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert service status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, path, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list services status = %d, want %d", w.Code, http.StatusOK)
	}
	var services []serviceDTO
	if err := json.Unmarshal(w.Body.Bytes(), &services); err != nil {
		t.Fatalf("unmarshal services: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("services len = %d, want 1", len(services))
	}
	if len(services[0].Chars) != 2 {
		t.Errorf("chars len = %d, want 2", len(services[0].Chars))
	}

	// Delete the accessory.
	w = doJSON(t, router, http.MethodDelete, "/api/v1/accessories/"+itoa(created.Aid), "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// =============================================================================
// Mi-Home source records
// =============================================================================

func TestMiDeviceUpsertAndList(t *testing.T) {
	srv, _ := testServer(t, config.APIAuth{})
	router := srv.buildRouter()

	body := `{"token":"00112233445566778899aabbccddeeff","model":"yeelink.light.lamp22","local_ip":"192.168.1.40"}`
	w := doJSON(t, router, http.MethodPut, "/api/v1/midevices/123456", body)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/midevices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", w.Code, http.StatusOK)
	}
	var list []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list len = %d, want 1", len(list))
	}
	if list[0]["did"] != "123456" {
		t.Errorf("did = %v, want 123456", list[0]["did"])
	}
	if _, leaked := list[0]["token"]; leaked {
		t.Error("token must not appear in the listing")
	}
}

// =============================================================================
// WebSocket hub
// =============================================================================

func TestHub_BroadcastToSubscribed(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{"property_changed": {}},
	}
	hub.Register(client)

	hub.Broadcast("property_changed", eventPayload{DevID: "123456", Kind: "property_changed"})

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.Type != WSTypeEvent {
			t.Errorf("type = %q, want %q", wsMsg.Type, WSTypeEvent)
		}
		if wsMsg.EventType != "property_changed" {
			t.Errorf("event_type = %q, want property_changed", wsMsg.EventType)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{"ble_event": {}},
	}
	hub.Register(client)

	hub.Broadcast("property_changed", eventPayload{DevID: "123456"})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_WildcardReceivesAll(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{"*": {}},
	}
	hub.Register(client)

	hub.Broadcast("ble_event", eventPayload{DevID: "abc", BleEType: 4106, BleValue: 1})

	select {
	case <-client.send:
	case <-time.After(time.Second):
		t.Error("wildcard client missed the broadcast")
	}
}

func TestHub_ClientCount(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
	// Double unregister must not panic.
	hub.Unregister(client)
}
