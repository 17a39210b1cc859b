// Package pipeline implements the composable request-processing chain
// and its construction protocol. Stages nest outermost-to-innermost;
// a Blueprint of factories mirrors that nesting and is validated once,
// at assembly time, so a chain whose context-key dependencies cannot
// be satisfied never serves a request.
package pipeline

import (
	"fmt"
	"net/http"

	"github.com/wudi/relay/internal/errors"
)

// Stage is one link of the request-processing chain. A stage consumes
// a decoded request and produces either a response or an error; it may
// delegate to its inner stage, transform the request or response
// around the delegation, or short-circuit without delegating.
//
// Side effects are confined to the Context: a stage may read values
// produced by outer stages and produce its own, but must not retain
// the Context beyond the request.
type Stage interface {
	Serve(rc *Context, req *http.Request) (*http.Response, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(rc *Context, req *http.Request) (*http.Response, error)

// Serve calls f.
func (f StageFunc) Serve(rc *Context, req *http.Request) (*http.Response, error) {
	return f(rc, req)
}

// Factory is the blueprint for one stage. Factories are owned by the
// control plane and shared (immutably) across workers; each worker
// builds its own Stage instances from them.
type Factory interface {
	// Name identifies the factory in construction errors.
	Name() string

	// Requires lists context keys this stage reads. Every required key
	// must be produced by an outer stage or by the connection layer.
	Requires() []Key

	// Produces lists context keys this stage writes.
	Produces() []Key

	// New builds a fresh stage wrapping inner. The innermost factory
	// receives a nil inner. Construction must be pure apart from
	// allocation.
	New(inner Stage) (Stage, error)
}

// Blueprint is an ordered factory chain, outermost first. A Blueprint
// is immutable after construction and is the only object shared
// between the control plane and workers.
type Blueprint struct {
	factories []Factory
	root      []Key
}

// NewBlueprint assembles and validates a blueprint. root is the key
// set guaranteed by the connection layer before the first stage runs
// (usually ConnKeys). The returned blueprint never fails key lookup at
// request time.
func NewBlueprint(root []Key, factories ...Factory) (*Blueprint, error) {
	b := &Blueprint{factories: factories, root: root}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// validate walks the chain outermost-to-innermost, checking that each
// factory's required keys are a subset of the union of the root set
// and the keys produced by factories before it.
func (b *Blueprint) validate() error {
	var produced uint16
	for _, k := range b.root {
		produced |= 1 << k
	}
	for _, f := range b.factories {
		for _, k := range f.Requires() {
			if produced&(1<<k) == 0 {
				return errors.Construction(nil, fmt.Sprintf(
					"stage %q requires context key %q which no earlier stage produces",
					f.Name(), k))
			}
		}
		for _, k := range f.Produces() {
			produced |= 1 << k
		}
	}
	if len(b.factories) == 0 {
		return errors.Construction(nil, "empty stage chain")
	}
	return nil
}

// Build instantiates a fresh stage graph, innermost first. Each call
// produces an entirely new graph; existing graphs are never mutated.
func (b *Blueprint) Build() (Stage, error) {
	var stage Stage
	for i := len(b.factories) - 1; i >= 0; i-- {
		f := b.factories[i]
		s, err := f.New(stage)
		if err != nil {
			return nil, errors.Construction(err, fmt.Sprintf("building stage %q", f.Name()))
		}
		stage = s
	}
	return stage, nil
}

// Factories returns the ordered factory chain, outermost first.
func (b *Blueprint) Factories() []Factory {
	return b.factories
}
