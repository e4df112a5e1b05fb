package registry

import (
	"sync"
)

// LoadSource reports a provider's current load on a 0-100 scale
type LoadSource interface {
	Load(provider string) float64
}

// InFlightLoad measures load as in-flight calls over a concurrency capacity
type InFlightLoad struct {
	mu              sync.Mutex
	inFlight        map[string]int
	capacity        map[string]int
	defaultCapacity int
}

// NewInFlightLoad creates a load source where every provider may run
// defaultCapacity concurrent calls before reporting full load
func NewInFlightLoad(defaultCapacity int) *InFlightLoad {
	if defaultCapacity <= 0 {
		defaultCapacity = 10
	}
	return &InFlightLoad{
		inFlight:        make(map[string]int),
		capacity:        make(map[string]int),
		defaultCapacity: defaultCapacity,
	}
}

// SetCapacity overrides the capacity of one provider
func (l *InFlightLoad) SetCapacity(provider string, capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if capacity > 0 {
		l.capacity[provider] = capacity
	}
}

// Begin marks the start of a call
func (l *InFlightLoad) Begin(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight[provider]++
}

// End marks the end of a call started with Begin
func (l *InFlightLoad) End(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[provider] > 0 {
		l.inFlight[provider]--
	}
}

func (l *InFlightLoad) Load(provider string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity, ok := l.capacity[provider]
	if !ok {
		capacity = l.defaultCapacity
	}
	return min(100, float64(l.inFlight[provider])/float64(capacity)*100)
}
