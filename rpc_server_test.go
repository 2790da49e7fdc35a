package acq164d

import (
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestSourceControl(t *testing.T) (*SourceControl, *ParamStore) {
	t.Helper()
	ps := NewParamStore()
	drainUpdates(ps)
	updates := make(chan ClientUpdate, 100)
	go func() {
		for range updates {
		}
	}()
	return NewSourceControl(ps, nil, nil, nil, updates), ps
}

func TestSourceControlSimLifecycle(t *testing.T) {
	sc, _ := newTestSourceControl(t)
	var okay bool

	if err := sc.ConfigureSimSource(&SimSourceConfig{Nchan: 1}, &okay); err != nil {
		t.Fatalf("ConfigureSimSource: %v", err)
	}
	assert.True(t, okay)

	name := "sim"
	if err := sc.Start(&name, &okay); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sc.Start(&name, &okay); err == nil {
		t.Error("a second Start must be rejected while a source is active")
	}

	run := true
	sc.SetRun(&run, &okay)
	deadline := time.Now().Add(5 * time.Second)
	for sc.sim.FramesProcessed() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, sc.sim.FramesProcessed(), int64(0))

	// Block snapshots can be toggled mid-run; the change is applied between
	// frames on the streaming goroutine.
	wargs := WriteBlocksArgs{Active: true, Directory: t.TempDir()}
	if err := sc.WriteBlocks(&wargs, &okay); err != nil {
		t.Errorf("WriteBlocks on: %v", err)
	}
	wargs = WriteBlocksArgs{Active: false}
	if err := sc.WriteBlocks(&wargs, &okay); err != nil {
		t.Errorf("WriteBlocks off: %v", err)
	}

	dummy := ""
	if err := sc.Stop(&dummy, &okay); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sc.mu.Lock()
		active := sc.activeSource
		sc.mu.Unlock()
		if active == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := sc.Stop(&dummy, &okay); err == nil {
		t.Error("Stop with no active source must report an error")
	}
}

func TestSourceControlUnknownSource(t *testing.T) {
	sc, _ := newTestSourceControl(t)
	var okay bool
	name := "tape-deck"
	if err := sc.Start(&name, &okay); err == nil {
		t.Error("an unknown source name must be rejected")
	}
}

func TestSourceControlParamMethods(t *testing.T) {
	sc, ps := newTestSourceControl(t)
	var okay bool

	// An under-minimum update_time is clamped, and the clamped value is what
	// the caller gets back.
	seconds := 0.001
	var stored float64
	if err := sc.SetUpdateTime(&seconds, &stored); err != nil {
		t.Fatalf("SetUpdateTime: %v", err)
	}
	assert.Equal(t, MinUpdateTime, stored)
	assert.Equal(t, MinUpdateTime, ps.GetFloat(ParamUpdateTime))

	freq := -1
	if err := sc.SetScanFreq(&freq, &okay); err == nil {
		t.Error("negative scan_freq must be rejected")
	}
	freq = 25
	if err := sc.SetScanFreq(&freq, &okay); err != nil {
		t.Errorf("SetScanFreq: %v", err)
	}
	assert.Equal(t, 25, ps.GetInt(ParamScanFreq))

	amp := -0.5
	if err := sc.SetNoiseAmplitude(&amp, &okay); err == nil {
		t.Error("negative noise amplitude must be rejected")
	}

	n := 0
	if err := sc.SetMaxPoints(&n, &okay); err == nil {
		t.Error("max_points below 1 must be rejected")
	}
	n = 2000
	if err := sc.SetMaxPoints(&n, &okay); err != nil {
		t.Errorf("SetMaxPoints: %v", err)
	}
	assert.Equal(t, 2000, ps.GetInt(ParamMaxPoints))

	var value float64
	nameUT := ParamUpdateTime
	if err := sc.GetFloatParam(&nameUT, &value); err != nil {
		t.Errorf("GetFloatParam: %v", err)
	}
	assert.Equal(t, MinUpdateTime, value)
	nameRun := ParamRun
	if err := sc.GetFloatParam(&nameRun, &value); err != nil {
		t.Errorf("GetFloatParam(run): %v", err)
	}
	assert.Equal(t, 0.0, value)
	bogus := "no_such_param"
	if err := sc.GetFloatParam(&bogus, &value); err == nil {
		t.Error("an unknown parameter name must be rejected")
	}
}

// TestSourceControlFaultSupervision checks that a stuck-at-zero fault in the
// pipeline reaches the supervisor hook instead of silently ending the run.
func TestSourceControlFaultSupervision(t *testing.T) {
	sc, ps := newTestSourceControl(t)
	fatalC := make(chan error, 1)
	sc.SetFaultSupervisor(func(err error) { fatalC <- err })

	const nchan = 1
	ft := newFakeTransport(nchan, DevStopped)
	sc.acq164.dial = func(host string, n int) (Transport, error) { return ft, nil }
	ft.frames <- allZeroFrame(nchan, 0)

	var okay bool
	if err := sc.ConfigureAcq164Source(&Acq164SourceConfig{Host: "acq164-012", Nchan: nchan}, &okay); err != nil {
		t.Fatalf("ConfigureAcq164Source: %v", err)
	}
	ps.SetBool(ParamRun, true)
	name := "acq164"
	if err := sc.Start(&name, &okay); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-fatalC:
		var fault *IntegrityFaultError
		if !errors.As(err, &fault) {
			t.Fatalf("supervisor got %v, want an IntegrityFaultError", err)
		}
		assert.Equal(t, 0, fault.Channel)
	case <-time.After(5 * time.Second):
		t.Fatal("the fault never reached the supervisor hook")
	}
}

// TestWriteBlocksAfterRunEnds: with the streaming goroutine already gone,
// WriteBlocks must fail promptly instead of blocking on the request queue.
func TestWriteBlocksAfterRunEnds(t *testing.T) {
	sc, _ := newTestSourceControl(t)
	st := newStubSource(1, nil)
	st.abortSelf = make(chan struct{})
	close(st.abortSelf) // the run is over; nothing drains queuedRequests
	sc.mu.Lock()
	sc.activeSource = st
	sc.mu.Unlock()

	dir := t.TempDir()
	done := make(chan error, 1)
	go func() {
		var okay bool
		done <- sc.WriteBlocks(&WriteBlocksArgs{Active: true, Directory: dir}, &okay)
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WriteBlocks hung after the run ended")
	}
}

// TestRPCRoundTrip drives SourceControl through the same JSON codec the
// daemon serves, over an in-memory pipe.
func TestRPCRoundTrip(t *testing.T) {
	sc, _ := newTestSourceControl(t)
	server := rpc.NewServer()
	if err := server.Register(sc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	serverConn, clientConn := net.Pipe()
	go server.ServeCodec(jsonrpc.NewServerCodec(serverConn))
	client := jsonrpc.NewClient(clientConn)
	defer client.Close()

	var stored float64
	seconds := 0.25
	if err := client.Call("SourceControl.SetUpdateTime", &seconds, &stored); err != nil {
		t.Fatalf("SetUpdateTime over RPC: %v", err)
	}
	assert.Equal(t, 0.25, stored)

	var okay bool
	if err := client.Call("SourceControl.ConfigureSimSource", &SimSourceConfig{Nchan: 3}, &okay); err != nil {
		t.Fatalf("ConfigureSimSource over RPC: %v", err)
	}
	assert.True(t, okay)
	assert.Equal(t, 3, sc.sim.Nchan())

	dummy := ""
	if err := client.Call("SourceControl.Stop", &dummy, &okay); err == nil {
		t.Error("Stop with no active source must return an RPC error")
	}
}
