// Package upgrade coordinates pipeline generations during live
// configuration reloads. A generation is an immutable set of built
// pipelines; new connections always land on the newest generation
// while connections accepted earlier stay pinned to the one they
// started with until they close.
package upgrade

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/pipeline"
)

// State is a generation's lifecycle position. Transitions only move
// forward: Building, Active, Draining, Retired.
type State int32

const (
	StateBuilding State = iota
	StateActive
	StateDraining
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateRetired:
		return "retired"
	}
	return "unknown"
}

// Generation is one built pipeline set, keyed by server name. It is
// immutable once Commit publishes it; only its state and refcount
// move.
type Generation struct {
	number uint64
	stages map[string]pipeline.Stage

	state  atomic.Int32
	refs   atomic.Int64
	retire func(*Generation)
}

// Number returns the generation's monotonic sequence number.
func (g *Generation) Number() uint64 { return g.number }

// State returns the generation's current lifecycle state.
func (g *Generation) State() State { return State(g.state.Load()) }

// Stage returns the built pipeline for a server, or nil when the
// server is absent from this generation.
func (g *Generation) Stage(server string) pipeline.Stage { return g.stages[server] }

// Refs returns the number of connections pinned to this generation.
func (g *Generation) Refs() int64 { return g.refs.Load() }

// Release drops one pinned connection. The last release on a draining
// generation retires it.
func (g *Generation) Release() {
	if g.refs.Add(-1) == 0 {
		g.maybeRetire()
	}
}

func (g *Generation) beginDrain() {
	g.state.CompareAndSwap(int32(StateActive), int32(StateDraining))
	if g.refs.Load() == 0 {
		g.maybeRetire()
	}
}

func (g *Generation) maybeRetire() {
	if g.state.CompareAndSwap(int32(StateDraining), int32(StateRetired)) {
		if g.retire != nil {
			g.retire(g)
		}
	}
}

// Coordinator owns the current-generation pointer for one worker.
// Commit is called from the worker's control loop; Pin and Release are
// called from its connection goroutines.
type Coordinator struct {
	current atomic.Pointer[Generation]
	seq     atomic.Uint64

	// OnRetire observes retirement, after the generation has fully
	// drained. Optional.
	OnRetire func(*Generation)

	// OnDrain observes a superseded generation entering its drain.
	// Optional.
	OnDrain func(*Generation)

	// OnBuild observes every Commit outcome. Optional.
	OnBuild func(number uint64, err error)
}

// NewCoordinator creates a coordinator with no active generation.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Commit builds every server's pipeline from its blueprint and, only
// when all of them built, atomically swaps the new generation in. Any
// build failure leaves the current generation serving untouched.
func (c *Coordinator) Commit(blueprints map[string]*pipeline.Blueprint) (*Generation, error) {
	gen := &Generation{
		number: c.seq.Add(1),
		stages: make(map[string]pipeline.Stage, len(blueprints)),
	}
	gen.state.Store(int32(StateBuilding))
	gen.retire = func(g *Generation) {
		logging.Debug("generation retired", zap.Uint64("generation", g.number))
		if c.OnRetire != nil {
			c.OnRetire(g)
		}
	}

	for server, bp := range blueprints {
		stage, err := bp.Build()
		if err != nil {
			if c.OnBuild != nil {
				c.OnBuild(gen.number, err)
			}
			return nil, err
		}
		gen.stages[server] = stage
	}

	gen.state.Store(int32(StateActive))
	old := c.current.Swap(gen)
	if c.OnBuild != nil {
		c.OnBuild(gen.number, nil)
	}
	if old != nil {
		if c.OnDrain != nil {
			c.OnDrain(old)
		}
		old.beginDrain()
	}
	return gen, nil
}

// Pin returns the active generation with one reference held. The
// caller must Release exactly once when its connection closes. Returns
// nil before the first Commit.
func (c *Coordinator) Pin() *Generation {
	for {
		g := c.current.Load()
		if g == nil {
			return nil
		}
		g.refs.Add(1)
		if g.State() != StateRetired {
			return g
		}
		// Lost a race with retirement; drop the ref and resample.
		g.refs.Add(-1)
	}
}

// Current returns the active generation without pinning it. For
// inspection only.
func (c *Coordinator) Current() *Generation { return c.current.Load() }
