package acq164d

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func startedSimSource(t *testing.T, config SimSourceConfig) (*SimSource, *ParamStore) {
	t.Helper()
	source := NewSimSource()
	ps := NewParamStore()
	drainUpdates(ps)
	source.UsePipeline(ps, nil, nil, nil)
	if err := source.Configure(&config); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	ps.SetBool(ParamRun, true)
	if err := Start(source, make(chan func())); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return source, ps
}

func TestSimSourceDefaults(t *testing.T) {
	source := NewSimSource()
	if err := source.Configure(&SimSourceConfig{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	assert.Equal(t, 2, source.Nchan())
	assert.Equal(t, 20000.0, source.SampleRate())
	assert.Equal(t, 1.0, source.config.Amplitude)
	assert.Equal(t, 1000.0, source.config.SignalFreq)
}

func TestSimSourceCalibration(t *testing.T) {
	source := NewSimSource()
	if err := source.Configure(&SimSourceConfig{Nchan: 4}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := source.Sample(); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	cal := source.Calibration()
	if assert.Equal(t, 4, len(cal)) {
		assert.InDelta(t, 3.3/(1<<24), cal[0].Scale, 1e-12)
		assert.InDelta(t, 1.65, cal[0].Volts(0), 1e-9)
	}
}

func TestRawFromVoltsRoundTrip(t *testing.T) {
	cal := ChannelCalibration{Scale: 3.3 / (1 << 24), Offset: 1.65}
	for _, volts := range []float64{0.0, 0.65, 1.65, 2.65, 3.3} {
		raw := rawFromVolts(volts, cal)
		assert.InDelta(t, volts, cal.Volts(raw), cal.Scale, "volts=%v", volts)
	}
	// Out-of-range voltages clamp instead of wrapping.
	assert.Equal(t, RawType(rawMax), rawFromVolts(100.0, cal))
	assert.Equal(t, RawType(rawMin), rawFromVolts(-100.0, cal))
}

// TestSimSourceStreaming runs the full pipeline on generated data: with
// max_points at its default 1000 and a 20 kHz rate, the first block arrives
// after 4 frames (50 ms of data) and fills the statistics readbacks.
func TestSimSourceStreaming(t *testing.T) {
	source, ps := startedSimSource(t, SimSourceConfig{Nchan: 2})

	deadline := time.Now().Add(5 * time.Second)
	for ps.GetFloat(ParamMeanValue) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := source.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}

	// 1000 samples at 1 kHz cover exactly 50 sine cycles, so the mean sits
	// at mid-range. Min and max carry the noise on top of the sine extremes.
	assert.InDelta(t, 1.65, ps.GetFloat(ParamMeanValue), 0.02)
	assert.InDelta(t, 0.65, ps.GetFloat(ParamMinValue), 0.1)
	assert.InDelta(t, 2.65, ps.GetFloat(ParamMaxValue), 0.1)
	assert.GreaterOrEqual(t, source.FramesProcessed(), int64(4))
	assert.Equal(t, Inactive, source.GetState())
}

func TestSimSourceStopWhileIdle(t *testing.T) {
	source, ps := startedSimSource(t, SimSourceConfig{Nchan: 1})
	// Lower the run flag; the generator keeps producing but CoreLoop ignores
	// frames, and Stop must still return promptly.
	ps.SetBool(ParamRun, false)
	done := make(chan error, 1)
	go func() { done <- source.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on an idle source")
	}
}

func TestSimSourceConfigureWhileActive(t *testing.T) {
	source, _ := startedSimSource(t, SimSourceConfig{Nchan: 1})
	defer source.Stop()
	if err := source.Configure(&SimSourceConfig{Nchan: 4}); err == nil {
		t.Error("Configure must be rejected while the source is active")
	}
}
