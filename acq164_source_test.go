package acq164d

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeTransport stands in for a card on the network: scripted state and
// ranges, frames fed through a channel.
type fakeTransport struct {
	mu       sync.Mutex
	state    DeviceState
	stateErr error
	ranges   []VRange
	frames   chan *Frame
	commands []string
	closed   bool
}

func newFakeTransport(nchan int, state DeviceState) *fakeTransport {
	ranges := make([]VRange, nchan+1)
	for i := 1; i <= nchan; i++ {
		ranges[i] = VRange{Vmin: 0.0, Vmax: 3.3}
	}
	return &fakeTransport{
		state:  state,
		ranges: ranges,
		frames: make(chan *Frame, 16),
	}
}

func (ft *fakeTransport) record(cmd string) {
	ft.mu.Lock()
	ft.commands = append(ft.commands, cmd)
	ft.mu.Unlock()
}

func (ft *fakeTransport) Acq2sh(cmd string) (string, error) { ft.record(cmd); return "OK", nil }
func (ft *fakeTransport) Acqcmd(cmd string) (string, error) { ft.record(cmd); return "OK", nil }

func (ft *fakeTransport) GetState() (DeviceState, error) {
	if ft.stateErr != nil {
		return DevError, ft.stateErr
	}
	return ft.state, nil
}

func (ft *fakeTransport) GetChannelRanges(n int) ([]VRange, error) {
	if len(ft.ranges) < n {
		return nil, fmt.Errorf("only %d ranges scripted", len(ft.ranges))
	}
	return ft.ranges[:n], nil
}

func (ft *fakeTransport) NextFrame() (*Frame, error) {
	frame, ok := <-ft.frames
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (ft *fakeTransport) Close() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if !ft.closed {
		ft.closed = true
		close(ft.frames)
	}
	return nil
}

func (ft *fakeTransport) isClosed() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.closed
}

func (ft *fakeTransport) sentCommands() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]string(nil), ft.commands...)
}

func newTestAcq164Source(ft *fakeTransport, nchan int) (*Acq164Source, *ParamStore) {
	source := NewAcq164Source()
	source.dial = func(host string, n int) (Transport, error) { return ft, nil }
	ps := NewParamStore()
	drainUpdates(ps)
	source.UsePipeline(ps, nil, nil, nil)
	return source, ps
}

func TestAcq164SourceSetup(t *testing.T) {
	const nchan = 2
	ft := newFakeTransport(nchan, DevStopped)
	source, ps := newTestAcq164Source(ft, nchan)

	config := Acq164SourceConfig{Host: "acq164-012", Nchan: nchan}
	if err := source.Configure(&config); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	assert.Equal(t, 20000.0, source.SampleRate(), "default sample rate")

	ps.SetBool(ParamRun, true)
	queuedRequests := make(chan func())
	if err := Start(source, queuedRequests); err != nil {
		t.Fatalf("Start: %v", err)
	}
	assert.True(t, source.runRecorded, "a successful start records the run")

	// Setup commands go out in order before any frame is read.
	want := []string{
		"set.dtacq channel_mask 1",
		"set.acq164.role MASTER 20",
		"setMode SOFT_CONTINUOUS 1",
		"setArm",
	}
	assert.Equal(t, want, ft.sentCommands())

	cal := source.Calibration()
	if assert.Equal(t, nchan, len(cal)) {
		assert.InDelta(t, 3.3/(1<<24), cal[0].Scale, 1e-12)
	}

	// Feed a frame and watch it get processed.
	frame := NewFrame(nchan, 0)
	for c := 0; c < nchan; c++ {
		for d := 0; d < FrameSamples; d++ {
			frame.raw[c][d] = RawType(d + 1)
		}
	}
	ft.frames <- frame
	deadline := time.Now().Add(time.Second)
	for source.FramesProcessed() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int64(1), source.FramesProcessed())

	if err := source.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	assert.Equal(t, Inactive, source.GetState())
	assert.True(t, ft.isClosed(), "Stop should close the transport")
}

func TestAcq164SourceDeviceBusy(t *testing.T) {
	const nchan = 2
	ft := newFakeTransport(nchan, DevRunning)
	source, _ := newTestAcq164Source(ft, nchan)
	if err := source.Configure(&Acq164SourceConfig{Host: "acq164-012", Nchan: nchan}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	err := Start(source, make(chan func()))
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Start on a running card: got %v, want ErrDeviceBusy", err)
	}
	// No configuration commands may reach a card that is mid-acquisition, and
	// the refused start must leave no run row to close out.
	assert.Empty(t, ft.sentCommands())
	assert.False(t, source.runRecorded, "no run may be recorded for a refused start")
	source.RunDoneWait()
	assert.Equal(t, Inactive, source.GetState())
}

func TestAcq164SourceStateQueryFailure(t *testing.T) {
	ft := newFakeTransport(2, DevStopped)
	ft.stateErr = errors.New("connection reset")
	source, _ := newTestAcq164Source(ft, 2)
	if err := source.Configure(&Acq164SourceConfig{Host: "acq164-012", Nchan: 2}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := Start(source, make(chan func())); err == nil {
		t.Fatal("Start must fail when the device state cannot be read")
	}
	assert.Equal(t, Inactive, source.GetState())
}

func TestAcq164SourceUnconfigured(t *testing.T) {
	source := NewAcq164Source()
	ps := NewParamStore()
	drainUpdates(ps)
	source.UsePipeline(ps, nil, nil, nil)
	if err := Start(source, make(chan func())); err == nil {
		t.Error("Start must fail on an unconfigured source")
	}
}

func TestAcq164SourceFrameSupplyError(t *testing.T) {
	const nchan = 1
	ft := newFakeTransport(nchan, DevStopped)
	source, ps := newTestAcq164Source(ft, nchan)
	if err := source.Configure(&Acq164SourceConfig{Host: "acq164-012", Nchan: nchan}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	ps.SetBool(ParamRun, true)
	if err := Start(source, make(chan func())); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Ending the frame supply (as a dropped connection would) stops the run.
	ft.Close()
	source.RunDoneWait()
	assert.NotEqual(t, Active, source.GetState())
}
