// Package health tracks the health of storaged components
package health

import (
	stderr "errors"
	"fmt"
	"sync"
	"time"

	"github.com/storaged/storaged/pkg/errors"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates repeated failures that still leave the
	// component running
	StateDegraded

	// StateReadOnly indicates writes keep failing while reads succeed
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// Tracker tracks the health of multiple components. A nil Tracker
// accepts every call and reports healthy.
type Tracker struct {
	mu             sync.RWMutex
	components     map[string]*ComponentHealth
	config         TrackerConfig
	now            func() time.Time
	stateCallbacks map[HealthState][]StateChangeCallback
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	return &Tracker{
		components:     make(map[string]*ComponentHealth),
		config:         config,
		now:            time.Now,
		stateCallbacks: make(map[HealthState][]StateChangeCallback),
	}
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
}

// RecordSuccess records a successful operation. One success brings a
// failing component straight back to healthy.
func (t *Tracker) RecordSuccess(component string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}
	oldState := health.State
	health.LastHealthCheck = t.now()
	health.ConsecutiveErrors = 0
	if health.State != StateHealthy {
		t.transitionState(health, StateHealthy)
		t.notifyStateChange(component, oldState, StateHealthy, nil)
	}
}

// RecordError records an error for a component
func (t *Tracker) RecordError(component string, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = t.now()
	health.ConsecutiveErrors++
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold && isWriteError(err):
		newState = StateReadOnly
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		newState = StateDegraded
	}

	if newState != oldState {
		t.transitionState(health, newState)
		t.notifyStateChange(component, oldState, newState, err)
	}
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	if t == nil {
		return StateHealthy
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns the health information for a component
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	if t == nil {
		return nil, fmt.Errorf("component %s not registered", component)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, fmt.Errorf("component %s not registered", component)
	}
	cp := *health
	return &cp, nil
}

// GetAllComponents returns health information for all registered components
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	result := make(map[string]*ComponentHealth)
	if t == nil {
		return result
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	for name, health := range t.components {
		cp := *health
		result[name] = &cp
	}
	return result
}

// GetOverallHealth returns the worst state of any component
func (t *Tracker) GetOverallHealth() HealthState {
	if t == nil {
		return StateHealthy
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	overallState := StateHealthy
	for _, health := range t.components {
		if health.State > overallState {
			overallState = health.State
		}
	}
	return overallState
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// AddStateChangeCallback registers a callback for state changes to a specific state
func (t *Tracker) AddStateChangeCallback(state HealthState, callback StateChangeCallback) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateCallbacks[state] = append(t.stateCallbacks[state], callback)
}

// transitionState must be called with the lock held.
func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.LastStateChange = t.now()
	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastErrorMessage = ""
	}
}

// notifyStateChange runs callbacks on their own goroutines so they may
// call back into the tracker.
func (t *Tracker) notifyStateChange(component string, oldState, newState HealthState, err error) {
	for _, callback := range t.stateCallbacks[newState] {
		go callback(component, oldState, newState, err)
	}
}

// isWriteError reports failures that leave reads working.
func isWriteError(err error) bool {
	if err == nil {
		return false
	}
	var se *errors.StoragedError
	if stderr.As(err, &se) {
		switch se.Code {
		case errors.ErrCodeStoreWrite, errors.ErrCodeReadOnly, errors.ErrCodeNoSpace:
			return true
		}
	}
	return false
}
