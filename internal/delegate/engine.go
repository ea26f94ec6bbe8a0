package delegate

import (
	"context"
	"fmt"

	"homeport/internal/device"
	"homeport/internal/entity"
)

// Engine is the per-accessory dispatcher: it resolves the accessory's
// ordered binding list into delegate instances, routes each characteristic
// to exactly one delegate, and fans device events out to the subscribers.
// The engine itself satisfies the Delegate contract.
type Engine struct {
	delegates []Delegate
	byCid     map[int64]Delegate
	logger    Logger
}

// NewEngine resolves bindings against the accessory's characteristics.
// Bindings claim characteristics in order; a binding with a nil char list
// claims everything still unclaimed. Characteristics left over after the
// last binding fall through to a property-mapping instance.
func NewEngine(reg *Registry, bindings []entity.DelegateBinding, chars []CharBinding, base Config) (*Engine, error) {
	if base.Logger == nil {
		base.Logger = noopLogger{}
	}
	e := &Engine{
		byCid:  make(map[int64]Delegate, len(chars)),
		logger: base.Logger,
	}

	claimed := make(map[int64]bool, len(chars))
	for _, binding := range bindings {
		var scoped []CharBinding
		for _, cb := range chars {
			if claimed[cb.Cid] {
				continue
			}
			if binding.Chars != nil && !refMatches(binding.Chars, cb) {
				continue
			}
			scoped = append(scoped, cb)
		}
		if len(scoped) == 0 {
			continue
		}

		cfg := base
		cfg.Chars = scoped
		cfg.Params = binding.Params
		d, err := reg.New(binding.Model, cfg)
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", binding.Model, err)
		}
		e.delegates = append(e.delegates, d)
		for _, cb := range scoped {
			claimed[cb.Cid] = true
			e.byCid[cb.Cid] = d
		}
	}

	var rest []CharBinding
	for _, cb := range chars {
		if !claimed[cb.Cid] {
			rest = append(rest, cb)
		}
	}
	if len(rest) > 0 {
		cfg := base
		cfg.Chars = rest
		cfg.Params = nil
		d, err := reg.New(ModelPropertyMapping, cfg)
		if err != nil {
			return nil, fmt.Errorf("fallthrough binding: %w", err)
		}
		e.delegates = append(e.delegates, d)
		for _, cb := range rest {
			e.byCid[cb.Cid] = d
		}
	}
	return e, nil
}

func refMatches(refs []entity.DelegateCharRef, cb CharBinding) bool {
	for _, ref := range refs {
		if ref.ServiceTag == cb.Stag && ref.CharType == cb.CharType {
			return true
		}
	}
	return false
}

func (e *Engine) SubscribesEvents() bool {
	for _, d := range e.delegates {
		if d.SubscribesEvents() {
			return true
		}
	}
	return false
}

// ReadChars splits the batch per owning delegate and merges the answers.
// Every input cid appears exactly once in the output; cids a delegate
// forgets to answer come back failed.
func (e *Engine) ReadChars(ctx context.Context, params []ReadParam) []ReadResult {
	groups := make(map[Delegate][]ReadParam)
	var order []Delegate
	for _, p := range params {
		d, ok := e.byCid[p.Cid]
		if !ok {
			continue
		}
		if _, seen := groups[d]; !seen {
			order = append(order, d)
		}
		groups[d] = append(groups[d], p)
	}

	answered := make(map[int64]ReadResult, len(params))
	for _, d := range order {
		for _, r := range d.ReadChars(ctx, groups[d]) {
			answered[r.Cid] = r
		}
	}

	out := make([]ReadResult, len(params))
	for i, p := range params {
		if r, ok := answered[p.Cid]; ok {
			out[i] = r
		} else {
			out[i] = ReadResult{Cid: p.Cid}
		}
	}
	return out
}

// UpdateChars is the write-side counterpart of ReadChars.
func (e *Engine) UpdateChars(ctx context.Context, params []UpdateParam) []UpdateResult {
	groups := make(map[Delegate][]UpdateParam)
	var order []Delegate
	for _, p := range params {
		d, ok := e.byCid[p.Cid]
		if !ok {
			continue
		}
		if _, seen := groups[d]; !seen {
			order = append(order, d)
		}
		groups[d] = append(groups[d], p)
	}

	answered := make(map[int64]UpdateResult, len(params))
	for _, d := range order {
		for _, r := range d.UpdateChars(ctx, groups[d]) {
			answered[r.Cid] = r
		}
	}

	out := make([]UpdateResult, len(params))
	for i, p := range params {
		if r, ok := answered[p.Cid]; ok {
			out[i] = r
		} else {
			out[i] = UpdateResult{Cid: p.Cid}
		}
	}
	return out
}

// OnEvent fans the event out to every subscribing delegate.
func (e *Engine) OnEvent(ctx context.Context, ev device.Event) {
	for _, d := range e.delegates {
		if d.SubscribesEvents() {
			d.OnEvent(ctx, ev)
		}
	}
}
