package loadbalancer

import (
	"sync"
	"sync/atomic"
)

// RoundRobin cycles through endpoints, ignoring weights.
type RoundRobin struct {
	endpoints []*Endpoint
	current   uint64
}

// NewRoundRobin creates a new round-robin balancer.
func NewRoundRobin(endpoints []*Endpoint) *RoundRobin {
	return &RoundRobin{endpoints: endpoints}
}

// Next returns the next endpoint using round-robin.
func (rr *RoundRobin) Next() *Endpoint {
	if len(rr.endpoints) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&rr.current, 1)
	return rr.endpoints[(idx-1)%uint64(len(rr.endpoints))]
}

// Endpoints returns the endpoint set in configured order.
func (rr *RoundRobin) Endpoints() []*Endpoint { return rr.endpoints }

// WeightedRoundRobin distributes requests proportionally to endpoint
// weights using the classic gcd-stepped algorithm.
type WeightedRoundRobin struct {
	endpoints []*Endpoint
	mu        sync.Mutex
	current   int
	cw        int // current weight threshold
	gcd       int
	maxWeight int
}

// NewWeightedRoundRobin creates a new weighted round-robin balancer.
func NewWeightedRoundRobin(endpoints []*Endpoint) *WeightedRoundRobin {
	wrr := &WeightedRoundRobin{
		endpoints: endpoints,
		current:   -1,
	}
	wrr.gcd, wrr.maxWeight = weightGCD(endpoints)
	return wrr
}

func weightGCD(endpoints []*Endpoint) (g, max int) {
	if len(endpoints) == 0 {
		return 1, 0
	}
	g = endpoints[0].Weight
	max = endpoints[0].Weight
	for _, e := range endpoints[1:] {
		g = gcd(g, e.Weight)
		if e.Weight > max {
			max = e.Weight
		}
	}
	return g, max
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Next returns the next endpoint using weighted round-robin.
func (wrr *WeightedRoundRobin) Next() *Endpoint {
	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	if len(wrr.endpoints) == 0 {
		return nil
	}

	for {
		wrr.current = (wrr.current + 1) % len(wrr.endpoints)
		if wrr.current == 0 {
			wrr.cw -= wrr.gcd
			if wrr.cw <= 0 {
				wrr.cw = wrr.maxWeight
			}
		}
		if wrr.endpoints[wrr.current].Weight >= wrr.cw {
			return wrr.endpoints[wrr.current]
		}
	}
}

// Endpoints returns the endpoint set in configured order.
func (wrr *WeightedRoundRobin) Endpoints() []*Endpoint { return wrr.endpoints }
