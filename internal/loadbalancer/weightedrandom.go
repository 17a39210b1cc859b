package loadbalancer

import "math/rand"

// WeightedRandom selects an endpoint with probability proportional to
// its weight. Equal weights degenerate to uniform random.
type WeightedRandom struct {
	endpoints   []*Endpoint
	totalWeight int
}

// NewWeightedRandom creates a new weighted random balancer.
func NewWeightedRandom(endpoints []*Endpoint) *WeightedRandom {
	wr := &WeightedRandom{endpoints: endpoints}
	for _, e := range endpoints {
		wr.totalWeight += e.Weight
	}
	return wr
}

// Next returns a weighted random endpoint.
func (wr *WeightedRandom) Next() *Endpoint {
	if len(wr.endpoints) == 0 || wr.totalWeight <= 0 {
		return nil
	}

	roll := rand.Intn(wr.totalWeight)
	cumulative := 0
	for _, e := range wr.endpoints {
		cumulative += e.Weight
		if roll < cumulative {
			return e
		}
	}
	return wr.endpoints[len(wr.endpoints)-1]
}

// Endpoints returns the endpoint set in configured order.
func (wr *WeightedRandom) Endpoints() []*Endpoint { return wr.endpoints }
