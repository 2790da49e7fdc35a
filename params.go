package acq164d

import (
	"fmt"
	"sync"

	"github.com/dtacq/acq164d/internal/unboundedchan"
)

// Names of the control-plane parameters. These are the knobs and readbacks
// the EPICS layer (or any other client) sees over RPC.
const (
	ParamRun            = "run"             // bool: acquisition gate
	ParamMaxPoints      = "max_points"      // int: calibrated block length
	ParamNoiseAmplitude = "noise_amplitude" // float: simulation only
	ParamUpdateTime     = "update_time"     // float seconds, clamped below
	ParamScanFreq       = "scan_freq"       // int Hz: windowed-mean rate
	ParamMinValue       = "min_value"       // float: simulation readback
	ParamMaxValue       = "max_value"       // float: simulation readback
	ParamMeanValue      = "mean_value"      // float: simulation readback
)

// MinUpdateTime bounds the notification period so clients cannot saturate the
// CPU with a tiny update_time.
const MinUpdateTime = 0.02

// ParamUpdate is one change notification delivered to subscribers.
type ParamUpdate struct {
	Name  string
	Value any
}

// ParamStore is the thread-safe name→value registry shared between the
// control-plane server and the streaming loop. Writers and readers may be on
// different goroutines; each access is a single short critical section, so
// the streaming loop reading a tunable mid-run sees either the old or the
// new value, never a torn one.
//
// Change notifications go through an unbounded queue so that a slow or
// absent subscriber can never block a parameter write.
type ParamStore struct {
	mu     sync.RWMutex
	values map[string]any
	notify *unboundedchan.UnboundedChannel[ParamUpdate]
	wake   chan struct{}
}

// NewParamStore creates a registry preloaded with the driver's defaults.
func NewParamStore() *ParamStore {
	ps := &ParamStore{
		values: make(map[string]any),
		notify: unboundedchan.NewUnboundedChannel[ParamUpdate](),
		wake:   make(chan struct{}, 1),
	}
	ps.SetBool(ParamRun, false)
	ps.SetInt(ParamMaxPoints, 1000)
	ps.SetInt(ParamScanFreq, 10)
	ps.SetFloat(ParamUpdateTime, 0.5)
	ps.SetFloat(ParamNoiseAmplitude, 0.1)
	ps.SetFloat(ParamMinValue, 0.0)
	ps.SetFloat(ParamMaxValue, 3.3)
	ps.SetFloat(ParamMeanValue, 0.0)
	return ps
}

// Updates returns the subscriber-notification channel. One consumer (the
// client updater) drains it and fans the messages out.
func (ps *ParamStore) Updates() <-chan ParamUpdate {
	return ps.notify.Out()
}

// WakeC returns the channel signaled when a write should rouse an
// idle-waiting streaming loop.
func (ps *ParamStore) WakeC() <-chan struct{} {
	return ps.wake
}

// Wake signals the streaming loop without blocking; a signal already pending
// is good enough.
func (ps *ParamStore) Wake() {
	select {
	case ps.wake <- struct{}{}:
	default:
	}
}

func (ps *ParamStore) set(name string, v any) {
	ps.mu.Lock()
	ps.values[name] = v
	ps.mu.Unlock()
	ps.notify.In() <- ParamUpdate{Name: name, Value: v}
}

// SetFloat stores a float parameter and notifies subscribers. An update_time
// below the minimum is not an error: it is clamped and the clamped value is
// what gets stored and echoed back.
func (ps *ParamStore) SetFloat(name string, v float64) float64 {
	if name == ParamUpdateTime {
		if v < MinUpdateTime {
			ProblemLogger.Printf("update_time %.4f below minimum, clamped to %.4f", v, MinUpdateTime)
			v = MinUpdateTime
		}
		defer ps.wakeIfRunning()
	}
	ps.set(name, v)
	return v
}

// SetInt stores an integer parameter and notifies subscribers.
func (ps *ParamStore) SetInt(name string, v int) {
	ps.set(name, v)
}

// SetBool stores a boolean parameter and notifies subscribers. Setting the
// run flag true wakes the streaming loop out of its idle wait.
func (ps *ParamStore) SetBool(name string, v bool) {
	ps.set(name, v)
	if name == ParamRun && v {
		ps.Wake()
	}
}

func (ps *ParamStore) wakeIfRunning() {
	if ps.GetBool(ParamRun) {
		ps.Wake()
	}
}

// GetFloat returns a float parameter, or 0 for an unset or non-float name.
func (ps *ParamStore) GetFloat(name string) float64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if v, ok := ps.values[name].(float64); ok {
		return v
	}
	return 0
}

// GetInt returns an integer parameter, or 0 for an unset or non-int name.
func (ps *ParamStore) GetInt(name string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if v, ok := ps.values[name].(int); ok {
		return v
	}
	return 0
}

// GetBool returns a boolean parameter, or false for an unset name.
func (ps *ParamStore) GetBool(name string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if v, ok := ps.values[name].(bool); ok {
		return v
	}
	return false
}

// Snapshot returns a copy of every current parameter value, for status
// broadcasts.
func (ps *ParamStore) Snapshot() map[string]any {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make(map[string]any, len(ps.values))
	for k, v := range ps.values {
		out[k] = v
	}
	return out
}

// Lookup returns the raw value of a named parameter.
func (ps *ParamStore) Lookup(name string) (any, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	v, ok := ps.values[name]
	if !ok {
		return nil, fmt.Errorf("no parameter named %q", name)
	}
	return v, nil
}
