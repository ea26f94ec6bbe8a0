package delegate

import (
	"context"
	"fmt"
	"sync"

	"homeport/internal/device"
)

// Logger defines the logging interface used by delegates.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ReadParam addresses one characteristic within a batched read.
type ReadParam struct {
	Aid      int64
	Sid      int64
	Stag     string
	Cid      int64
	Ctag     string
	CharType string
	Format   string
}

// ReadResult is one entry of a batched read answer. Value is nil when
// Success is false.
type ReadResult struct {
	Cid     int64
	Success bool
	Value   any
}

// UpdateParam addresses one characteristic write within a batch.
type UpdateParam struct {
	ReadParam
	OldValue any
	NewValue any
}

// UpdateResult is one entry of a batched write answer.
type UpdateResult struct {
	Cid     int64
	Success bool
}

// CharUpdater pushes a characteristic value change into the HAP tree.
// Implementations must apply the value in a fresh goroutine so a delegate
// running inside a read/update call can never deadlock on the accessory
// lock.
type CharUpdater interface {
	UpdateCharValue(aid, sid int64, charType string, value any)
}

// Delegate is the per-accessory model contract. Batches are scoped to one
// accessory; each input cid must appear exactly once in the output, in any
// order.
type Delegate interface {
	ReadChars(ctx context.Context, params []ReadParam) []ReadResult
	UpdateChars(ctx context.Context, params []UpdateParam) []UpdateResult
	OnEvent(ctx context.Context, ev device.Event)
	SubscribesEvents() bool
}

// CharBinding is the characteristic row data a delegate needs: symbolic
// address plus the per-characteristic convertor configuration.
type CharBinding struct {
	Aid             int64
	Sid             int64
	Stag            string
	Cid             int64
	Ctag            string
	CharType        string
	Format          string
	Convertor       string
	ConvertorParams map[string]any
}

// Config carries everything a factory needs to build one delegate
// instance.
type Config struct {
	Runner  device.Runner
	Updater CharUpdater
	Chars   []CharBinding  // the characteristics this delegate claims
	Params  map[string]any // binding params from the accessory row
	Logger  Logger
}

// Factory builds a delegate instance for one accessory binding.
type Factory func(cfg Config) (Delegate, error)

// Built-in model names.
const (
	ModelPropertyMapping = "property_mapping"
	ModelModeSwitch      = "mode_switch"
	ModelAirConditioner  = "air_conditioner"
)

// Registry maps model names to factories. Populated once at boot,
// read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in models.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(ModelPropertyMapping, NewPropertyMapping)
	r.Register(ModelModeSwitch, NewModeSwitch)
	r.Register(ModelAirConditioner, NewAirConditioner)
	return r
}

// Register adds or replaces a model factory.
func (r *Registry) Register(model string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[model] = f
}

// New builds a delegate for the named model.
func (r *Registry) New(model string, cfg Config) (Delegate, error) {
	r.mu.RLock()
	f, ok := r.factories[model]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("delegate model %q: %w", model, ErrUnknownModel)
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return f(cfg)
}

// Models returns the registered model names.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
