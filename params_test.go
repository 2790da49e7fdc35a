package acq164d

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func drainUpdates(ps *ParamStore) {
	go func() {
		for range ps.Updates() {
		}
	}()
}

func TestParamDefaults(t *testing.T) {
	ps := NewParamStore()
	drainUpdates(ps)
	assert.Equal(t, false, ps.GetBool(ParamRun))
	assert.Equal(t, 1000, ps.GetInt(ParamMaxPoints))
	assert.Equal(t, 0.5, ps.GetFloat(ParamUpdateTime))
	assert.Equal(t, 3.3, ps.GetFloat(ParamMaxValue))
}

// TestUpdateTimeClamp: values below the minimum are corrected in place, and
// the corrected value is both returned and stored.
func TestUpdateTimeClamp(t *testing.T) {
	ps := NewParamStore()
	drainUpdates(ps)
	got := ps.SetFloat(ParamUpdateTime, 0.001)
	assert.Equal(t, MinUpdateTime, got)
	assert.Equal(t, MinUpdateTime, ps.GetFloat(ParamUpdateTime))

	got = ps.SetFloat(ParamUpdateTime, 1.5)
	assert.Equal(t, 1.5, got)
}

func TestRunFlagWakes(t *testing.T) {
	ps := NewParamStore()
	drainUpdates(ps)
	ps.SetBool(ParamRun, true)
	select {
	case <-ps.WakeC():
	case <-time.After(time.Second):
		t.Fatal("setting run=true did not wake the loop")
	}

	// run=false must not wake.
	ps.SetBool(ParamRun, false)
	select {
	case <-ps.WakeC():
		t.Fatal("setting run=false woke the loop")
	default:
	}
}

func TestUpdateTimeWakesOnlyWhileRunning(t *testing.T) {
	ps := NewParamStore()
	drainUpdates(ps)
	ps.SetFloat(ParamUpdateTime, 0.2)
	select {
	case <-ps.WakeC():
		t.Fatal("update_time write woke an idle (not running) loop")
	default:
	}

	ps.SetBool(ParamRun, true)
	<-ps.WakeC() // consume the run wake
	ps.SetFloat(ParamUpdateTime, 0.3)
	select {
	case <-ps.WakeC():
	case <-time.After(time.Second):
		t.Fatal("update_time write did not wake the running loop")
	}
}

func TestParamNotifications(t *testing.T) {
	ps := NewParamStore()
	// Skip past the defaults written by NewParamStore.
	deadline := time.After(time.Second)
	seen := make(map[string]any)
	done := false
	ps.SetInt(ParamScanFreq, 250)
	for !done {
		select {
		case u := <-ps.Updates():
			seen[u.Name] = u.Value
			if u.Name == ParamScanFreq && u.Value == 250 {
				done = true
			}
		case <-deadline:
			t.Fatal("never received the scan_freq notification")
		}
	}
	assert.Equal(t, 250, seen[ParamScanFreq])
}

func TestLookupUnknown(t *testing.T) {
	ps := NewParamStore()
	drainUpdates(ps)
	if _, err := ps.Lookup("no_such_param"); err == nil {
		t.Error("Lookup of unknown parameter should error")
	}
}
