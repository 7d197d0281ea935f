// Package circuitbreaker guards outbound deliveries per endpoint. An endpoint
// that keeps failing is skipped for a cool-down period, then probed once.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for an endpoint is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is the circuit state of one endpoint.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlevault",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit state changes by endpoint and target state.",
}, []string{"endpoint", "to"})

func init() {
	prometheus.MustRegister(transitions)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive delivery failures per endpoint.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	now       func() time.Time
}

// New returns a breaker that opens after threshold consecutive failures and
// probes again once coolDown has passed.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a delivery to endpoint may proceed. An open circuit
// whose cool-down has elapsed lets exactly one probe through.
func (b *Breaker) Allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return true
	}
	switch c.state {
	case Open:
		if b.now().Sub(c.openedAt) < b.coolDown {
			return false
		}
		b.move(c, endpoint, HalfOpen)
		return true
	case HalfOpen:
		return false
	default:
		return true
	}
}

// Success closes the circuit for endpoint.
func (b *Breaker) Success(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return
	}
	c.failures = 0
	b.move(c, endpoint, Closed)
}

// Failure counts a failed delivery and opens the circuit at the threshold.
// A failed probe reopens it immediately.
func (b *Breaker) Failure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		c = &circuit{}
		b.circuits[endpoint] = c
	}
	c.failures++
	if c.state == HalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(c, endpoint, Open)
	}
}

// Do runs fn unless the circuit is open, recording the outcome.
func (b *Breaker) Do(endpoint string, fn func() error) error {
	if !b.Allow(endpoint) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.Failure(endpoint)
		return err
	}
	b.Success(endpoint)
	return nil
}

// State returns the circuit state for endpoint. Unknown endpoints are closed.
func (b *Breaker) State(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[endpoint]; ok {
		return c.state
	}
	return Closed
}

// caller holds b.mu
func (b *Breaker) move(c *circuit, endpoint string, to State) {
	if c.state == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(endpoint, to.String()).Inc()
}
