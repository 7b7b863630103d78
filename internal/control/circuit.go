package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// TransitionFunc observes breaker state changes. It runs after the breaker
// lock is released.
type TransitionFunc func(from, to CircuitState, errClass string)

// CircuitBreaker is a per-error-class breaker shared by all pipelines.
type CircuitBreaker struct {
	Threshold    int
	Cooldown     time.Duration
	OnTransition TransitionFunc

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
	trialCall   bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether new work is allowed at this instant. Once the
// cooldown elapses exactly one caller gets through as the half-open trial call;
// others are denied until its outcome is recorded.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	switch c.state {
	case CircuitClosed:
		c.mu.Unlock()
		return true
	case CircuitHalfOpen:
		if c.trialCall {
			c.mu.Unlock()
			return false
		}
		c.trialCall = true
		c.mu.Unlock()
		return true
	}
	if now.Sub(c.openedAt) < c.Cooldown {
		c.mu.Unlock()
		return false
	}
	c.state = CircuitHalfOpen
	c.trialCall = true
	class := c.openedClass
	c.mu.Unlock()
	c.notify(CircuitOpen, CircuitHalfOpen, class)
	return true
}

// RecordSuccess updates state after a successful call.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	from := c.state
	class := c.openedClass
	c.state = CircuitClosed
	c.openedClass = ""
	c.trialCall = false
	c.failures = map[string]int{}
	c.mu.Unlock()
	if from != CircuitClosed {
		c.notify(from, CircuitClosed, class)
	}
}

// RecordFailure updates state after an error in the given class.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) {
	if errClass == "" {
		errClass = "unknown"
	}
	c.mu.Lock()
	from := c.state
	c.trialCall = false
	switch {
	case c.state == CircuitHalfOpen:
		c.open(errClass, now)
	case c.state == CircuitClosed:
		c.failures[errClass]++
		if c.failures[errClass] >= c.Threshold {
			c.open(errClass, now)
		}
	}
	to := c.state
	c.mu.Unlock()
	if from != to {
		c.notify(from, to, errClass)
	}
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

func (c *CircuitBreaker) notify(from, to CircuitState, class string) {
	if c.OnTransition != nil {
		c.OnTransition(from, to, class)
	}
}
