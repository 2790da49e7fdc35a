package acq164d

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dtacq/acq164d/internal/acqdb"
	"github.com/dtacq/acq164d/internal/npyblock"
)

// SourceState is used to indicate the active/inactive/transition state of
// frame sources.
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // Source is not active
	Starting                    // Source is configuring the device and itself
	Active                      // Source is actively streaming frames
	Stopping                    // Source is in transition to Inactive state
	Faulted                     // Source stopped on a data-integrity fault
)

func (s SourceState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	case Faulted:
		return "Faulted"
	}
	return fmt.Sprintf("SourceState(%d)", int(s))
}

// FrameSource is the interface for hardware or simulated sources of raw
// frames.
type FrameSource interface {
	Sample() error
	PrepareRun() error
	StartRun() error
	Stop() error
	Running() bool
	GetState() SourceState
	SetStateStarting() error
	SetStateInactive() error
	Nchan() int
	SampleRate() float64
	Calibration() CalibrationTable
	RunDoneActivate()
	RunDoneDeactivate()
	RunDoneWait()
	LastFault() error
	FramesProcessed() int64

	getNextFrame() chan *Frame
	processFrame(*Frame) error
	abortC() <-chan struct{}
	paramStore() *ParamStore
	setStateFaulted(error)
	faultDiagnostics() string
	recordRunStart()
}

// Start will start the given FrameSource. Steps are: 1) Sample: a per-source
// method that queries the device for channel count, ranges and state, and
// computes the calibration. 2) PrepareRun: an AnySource method to build the
// frame processor and buffers. 3) StartRun: a per-source method that issues
// the device configuration/arm commands and begins frame production.
// 4) CoreLoop, a goroutine owning all pipeline state until the source stops.
func Start(ds FrameSource, queuedRequests chan func()) error {
	if err := ds.SetStateStarting(); err != nil {
		return err
	}

	if err := ds.Sample(); err != nil {
		ds.SetStateInactive()
		return err
	}

	if err := ds.PrepareRun(); err != nil {
		ds.SetStateInactive()
		return err
	}

	ds.RunDoneActivate() // RunDoneDeactivate runs when CoreLoop returns.
	if err := ds.StartRun(); err != nil {
		ds.RunDoneDeactivate()
		return err
	}
	ds.recordRunStart()

	go CoreLoop(ds, queuedRequests)
	return nil
}

// CoreLoop is the single thread of execution touching calibration,
// accumulator, buffer and fault-counter state. It interleaves two activities
// that must not run concurrently: control-plane requests queued by the RPC
// server, and per-frame processing. While the run flag is down it leaves the
// frame channel alone and sleeps until a parameter write wakes it.
func CoreLoop(ds FrameSource, queuedRequests chan func()) {
	defer ds.RunDoneDeactivate()
	ps := ds.paramStore()

	for {
		var frameC chan *Frame
		if ps.GetBool(ParamRun) {
			frameC = ds.getNextFrame()
		}

		select {
		case request := <-queuedRequests:
			request()

		case <-ps.WakeC():
			// The run flag or a live tunable changed; re-evaluate the gate.

		case <-ds.abortC():
			UpdateLogger.Println("stop requested; source shutting down")
			return

		case frame, ok := <-frameC:
			if !ok {
				UpdateLogger.Println("frame channel closed; stopping the source normally")
				return
			}
			if frame.err != nil {
				ProblemLogger.Printf("frame supply error; stopping source: %s", frame.err)
				return
			}
			if err := ds.processFrame(frame); err != nil {
				var fault *IntegrityFaultError
				if errors.As(err, &fault) {
					ds.setStateFaulted(err)
					ProblemLogger.Printf("FATAL %s\nprocessor state: %s", err, ds.faultDiagnostics())
				} else {
					ProblemLogger.Printf("processFrame error; stopping source: %s", err)
				}
				return
			}
		}
	}
}

// AnySource implements the features common to every FrameSource: the state
// machine, the frame processor and its output fan-out, and the activity
// bookkeeping.
type AnySource struct {
	nchan      int     // how many channels this source provides
	name       string  // what kind of source is this?
	sampleRate float64 // samples per second per channel
	cal        CalibrationTable

	processor *FrameProcessor
	publisher *DataPublisher
	params    *ParamStore
	monitor   *Monitor
	writer    *npyblock.Writer // nil unless block saving is active
	db        *acqdb.Connection
	runID     string
	blockHook func(BlockEvent) // per-source extras on each published block

	abortSelf       chan struct{} // signal to frame production to stop
	nextFrame       chan *Frame
	runRecorded     bool // a run row was entered and needs closing out
	lastFault       error
	framesProcessed atomic.Int64
	sourceState     SourceState
	sourceStateLock sync.Mutex // guards sourceState and lastFault
	runDone         sync.WaitGroup
}

// UsePipeline hands the source the shared pipeline collaborators. Call once
// before Start.
func (ds *AnySource) UsePipeline(params *ParamStore, publisher *DataPublisher,
	monitor *Monitor, db *acqdb.Connection) {
	ds.params = params
	ds.publisher = publisher
	ds.monitor = monitor
	ds.db = db
}

// Nchan returns the current number of valid channels in the data source.
func (ds *AnySource) Nchan() int { return ds.nchan }

// SampleRate returns the per-channel sample rate.
func (ds *AnySource) SampleRate() float64 { return ds.sampleRate }

// Calibration returns the per-channel calibration computed in Sample.
func (ds *AnySource) Calibration() CalibrationTable { return ds.cal }

// RunID identifies the current acquisition run.
func (ds *AnySource) RunID() string { return ds.runID }

// FramesProcessed returns how many frames the run has consumed so far.
func (ds *AnySource) FramesProcessed() int64 { return ds.framesProcessed.Load() }

func (ds *AnySource) getNextFrame() chan *Frame { return ds.nextFrame }
func (ds *AnySource) abortC() <-chan struct{}   { return ds.abortSelf }
func (ds *AnySource) paramStore() *ParamStore   { return ds.params }

// PrepareRun initializes everything that needs the channel count and
// calibration discovered by Sample: the frame processor, the frame channel,
// and a fresh run ID.
func (ds *AnySource) PrepareRun() error {
	if ds.nchan <= 0 {
		return fmt.Errorf("PrepareRun could not run with %d channels (expect > 0)", ds.nchan)
	}
	if ds.params == nil {
		return fmt.Errorf("PrepareRun: source has no parameter store (call UsePipeline first)")
	}
	maxPoints := ds.params.GetInt(ParamMaxPoints)
	fp, err := NewFrameProcessor(ds.nchan, maxPoints, ds.sampleRate, ds.cal, ds.params)
	if err != nil {
		return err
	}
	ds.processor = fp
	ds.abortSelf = make(chan struct{})
	ds.nextFrame = make(chan *Frame)
	ds.lastFault = nil
	ds.framesProcessed.Store(0)
	ds.runID = acqdb.NewRunID()
	return nil
}

// processFrame drives the FrameProcessor and applies the publish events it
// returns: scalars first (finer period), then blocks.
func (ds *AnySource) processFrame(frame *Frame) error {
	events, err := ds.processor.ProcessFrame(frame)
	if err != nil {
		return err
	}
	ds.framesProcessed.Add(1)

	for _, ev := range events.Scalars {
		if ds.publisher != nil {
			if err := ds.publisher.PublishScalar(ev); err != nil {
				ProblemLogger.Printf("scalar publish failed: %s", err)
			}
		}
		if ds.monitor != nil {
			ds.monitor.OfferScalar(ev)
		}
	}
	for _, ev := range events.Blocks {
		if ds.publisher != nil {
			if err := ds.publisher.PublishBlock(ev); err != nil {
				ProblemLogger.Printf("block publish failed: %s", err)
			}
		}
		if ds.monitor != nil {
			ds.monitor.OfferBlock(ev)
		}
		if ds.writer != nil {
			if _, err := ds.writer.WriteBlock(ev.Channel, int64(ev.FirstSample), ev.Samples); err != nil {
				ProblemLogger.Printf("block snapshot write failed: %s", err)
			}
		}
		if ds.blockHook != nil {
			ds.blockHook(ev)
		}
	}
	return nil
}

// ConfigureBlockWriting turns .npy block snapshots on or off. It must run on
// the CoreLoop goroutine (queue it as a control request while streaming).
func (ds *AnySource) ConfigureBlockWriting(active bool, dir string) error {
	if !active {
		ds.writer = nil
		return nil
	}
	w, err := npyblock.NewWriter(dir, ds.runID)
	if err != nil {
		return err
	}
	ds.writer = w
	return nil
}

// faultDiagnostics dumps the processor's fault counters for the problem log.
func (ds *AnySource) faultDiagnostics() string {
	if ds.processor == nil {
		return "(no processor)"
	}
	return ds.processor.faultDump()
}

// RunDoneActivate marks the source Active and accounts for the running
// CoreLoop; only Start calls this.
func (ds *AnySource) RunDoneActivate() {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	ds.sourceState = Active
	ds.runDone.Add(1)
}

// recordRunStart enters the run's database row. It runs only once the device
// is actually streaming, so a refused start leaves no trace in the database.
func (ds *AnySource) recordRunStart() {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	ds.db.RecordRunStart(ds.runID, ds.name, ds.nchan, ds.sampleRate)
	ds.runRecorded = true
}

// RunDoneDeactivate runs when CoreLoop returns. A Faulted source stays
// Faulted so the supervisor can see why the run ended. Frame production is
// told to stop here too, in case the loop ended for a reason other than Stop.
func (ds *AnySource) RunDoneDeactivate() {
	ds.sourceStateLock.Lock()
	if ds.sourceState != Faulted {
		ds.sourceState = Inactive
	}
	closeIfOpen(ds.abortSelf)
	if ds.runRecorded {
		ds.db.RecordRunStop(ds.runID)
		ds.runRecorded = false
	}
	ds.runDone.Done()
	ds.sourceStateLock.Unlock()
}

// RunDoneWait returns when the source run is done, i.e., CoreLoop returned.
func (ds *AnySource) RunDoneWait() {
	ds.runDone.Wait()
}

// Stop tells the frame supply to shut down cooperatively; the in-flight
// frame finishes processing first.
func (ds *AnySource) Stop() error {
	ds.sourceStateLock.Lock()
	switch ds.sourceState {
	case Inactive, Faulted:
		ds.sourceStateLock.Unlock()
		return fmt.Errorf("source is %v, cannot stop", ds.sourceState)

	case Stopping:
		ds.sourceStateLock.Unlock()
		return nil

	case Starting, Active:
		ds.sourceState = Stopping
	}
	closeIfOpen(ds.abortSelf)
	ds.sourceStateLock.Unlock()

	ds.RunDoneWait()
	return nil
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		// already closed
	default:
		close(c)
	}
}

// Running tells whether the source is actively streaming.
func (ds *AnySource) Running() bool {
	return ds.GetState() == Active
}

// GetState returns the sourceState value in a race-free fashion
func (ds *AnySource) GetState() SourceState {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	return ds.sourceState
}

// SetStateStarting sets the sourceState value to Starting in a race-free fashion
func (ds *AnySource) SetStateStarting() error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	if ds.sourceState == Inactive || ds.sourceState == Faulted {
		ds.sourceState = Starting
		return nil
	}
	return fmt.Errorf("cannot Start() a source that's %v, not Inactive", ds.sourceState)
}

// SetStateInactive sets the sourceState value to Inactive in a race-free fashion
func (ds *AnySource) SetStateInactive() error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	ds.sourceState = Inactive
	return nil
}

func (ds *AnySource) setStateFaulted(err error) {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	ds.sourceState = Faulted
	ds.lastFault = err
	var fault *IntegrityFaultError
	if errors.As(err, &fault) {
		ds.db.RecordFault(ds.runID, fault.Channel, int64(fault.Sample))
	}
}

// LastFault returns the integrity fault that ended the last run, if any.
func (ds *AnySource) LastFault() error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	return ds.lastFault
}
