package acq164d

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/dtacq/acq164d/internal/acqdb"
)

// SourceControl is the sub-server that handles configuration and operation of
// the frame sources.
type SourceControl struct {
	sim          *SimSource
	acq164       *Acq164Source
	activeSource FrameSource

	params         *ParamStore
	queuedRequests chan func()
	status         ServerStatus
	clientUpdates  chan<- ClientUpdate
	fatal          func(error) // supervisor hook invoked on an integrity fault
	mu             sync.Mutex  // guards activeSource and status
}

// ServerStatus is the status that SourceControl reports to clients.
type ServerStatus struct {
	Running    bool
	SourceName string
	Nchannels  int
	SampleRate float64
	RunID      string
}

// NewSourceControl builds the control server and the two sources it manages,
// all sharing one pipeline.
func NewSourceControl(params *ParamStore, publisher *DataPublisher, monitor *Monitor,
	db *acqdb.Connection, clientUpdates chan<- ClientUpdate) *SourceControl {
	sc := &SourceControl{
		sim:            NewSimSource(),
		acq164:         NewAcq164Source(),
		params:         params,
		queuedRequests: make(chan func()),
		clientUpdates:  clientUpdates,
	}
	sc.sim.UsePipeline(params, publisher, monitor, db)
	sc.acq164.UsePipeline(params, publisher, monitor, db)
	return sc
}

// ConfigureSimSource configures the source of simulated data.
func (s *SourceControl) ConfigureSimSource(args *SimSourceConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureSimSource: %d chan, rate=%.3f", args.Nchan, args.SampleRate)
	err := s.sim.Configure(args)
	s.clientUpdates <- ClientUpdate{"SIM", args}
	*reply = (err == nil)
	return err
}

// ConfigureAcq164Source configures the connection to a real card.
func (s *SourceControl) ConfigureAcq164Source(args *Acq164SourceConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureAcq164Source: host=%s, %d chan", args.Host, args.Nchan)
	err := s.acq164.Configure(args)
	s.clientUpdates <- ClientUpdate{"ACQ164", args}
	*reply = (err == nil)
	return err
}

// Start identifies the source given by sourceName, then runs its startup
// sequence. A card found mid-acquisition is reported to the caller and left
// alone; the server stays up.
func (s *SourceControl) Start(sourceName *string, reply *bool) error {
	s.mu.Lock()
	if s.activeSource != nil {
		s.mu.Unlock()
		return fmt.Errorf("activeSource is not nil, want nil (you should call Stop)")
	}
	var ds FrameSource
	name := strings.ToUpper(*sourceName)
	switch name {
	case "SIMSOURCE", "SIM":
		ds = s.sim
		s.status.SourceName = "Sim"

	case "ACQ164SOURCE", "ACQ164":
		ds = s.acq164
		s.status.SourceName = "Acq164"

	default:
		s.mu.Unlock()
		return fmt.Errorf("frame source %q is not recognized", *sourceName)
	}
	s.mu.Unlock()

	UpdateLogger.Printf("starting frame source %s", name)
	if err := Start(ds, s.queuedRequests); err != nil {
		return err
	}

	s.mu.Lock()
	s.activeSource = ds
	s.status.Running = true
	s.status.Nchannels = ds.Nchan()
	s.status.SampleRate = ds.SampleRate()
	if as, ok := ds.(interface{ RunID() string }); ok {
		s.status.RunID = as.RunID()
	}
	s.mu.Unlock()
	s.broadcastUpdate()

	// Watch for the run to end on its own. A clean stop clears the status; a
	// data-integrity fault goes to the supervisor, which decides whether the
	// process lives on.
	go func() {
		ds.RunDoneWait()
		s.mu.Lock()
		if s.activeSource == ds {
			s.activeSource = nil
			s.status.Running = false
			s.status.SourceName = ""
			s.status.Nchannels = 0
		}
		s.mu.Unlock()
		if fault := ds.LastFault(); fault != nil {
			s.handleFault(fault)
		}
		s.broadcastUpdate()
	}()
	*reply = true
	return nil
}

// SetFaultSupervisor installs the function consulted when a run ends on a
// data-integrity fault. The daemon installs one that terminates the process:
// after a fault every later sample in the session is suspect. Without a
// supervisor the fault is only logged.
func (s *SourceControl) SetFaultSupervisor(fatal func(error)) {
	s.mu.Lock()
	s.fatal = fatal
	s.mu.Unlock()
}

func (s *SourceControl) handleFault(err error) {
	s.mu.Lock()
	fatal := s.fatal
	s.mu.Unlock()
	if fatal != nil {
		fatal(err)
		return
	}
	ProblemLogger.Printf("unrecoverable data fault: %s", err)
}

// Stop stops the running frame source, if any.
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	s.mu.Lock()
	ds := s.activeSource
	s.mu.Unlock()
	if ds == nil {
		return fmt.Errorf("no source is active")
	}
	UpdateLogger.Println("stopping frame source")
	if err := ds.Stop(); err != nil {
		return err
	}
	*reply = true
	return nil
}

// SetRun raises or lowers the run flag: true lets frames flow through the
// pipeline, false idles it without tearing the source down.
func (s *SourceControl) SetRun(run *bool, reply *bool) error {
	s.params.SetBool(ParamRun, *run)
	*reply = true
	return nil
}

// SetScanFreq changes the scalar windowing frequency in Hz; zero disables
// windowed means.
func (s *SourceControl) SetScanFreq(freq *int, reply *bool) error {
	if *freq < 0 {
		return fmt.Errorf("scan_freq must be >= 0, got %v", *freq)
	}
	s.params.SetInt(ParamScanFreq, *freq)
	*reply = true
	return nil
}

// SetUpdateTime changes the client update period in seconds. The reply is
// the value actually stored, which may have been clamped to the minimum.
func (s *SourceControl) SetUpdateTime(seconds *float64, reply *float64) error {
	s.params.SetFloat(ParamUpdateTime, *seconds)
	*reply = s.params.GetFloat(ParamUpdateTime)
	return nil
}

// SetNoiseAmplitude changes the simulated noise level in volts.
func (s *SourceControl) SetNoiseAmplitude(amp *float64, reply *bool) error {
	if *amp < 0 {
		return fmt.Errorf("noise amplitude must be >= 0, got %v", *amp)
	}
	s.params.SetFloat(ParamNoiseAmplitude, *amp)
	*reply = true
	return nil
}

// SetMaxPoints changes the block size in samples. It takes effect when the
// next run starts.
func (s *SourceControl) SetMaxPoints(n *int, reply *bool) error {
	if *n < 1 {
		return fmt.Errorf("max_points must be >= 1, got %d", *n)
	}
	s.params.SetInt(ParamMaxPoints, *n)
	*reply = true
	return nil
}

// GetFloatParam reads back one named numeric parameter.
func (s *SourceControl) GetFloatParam(name *string, reply *float64) error {
	value, err := s.params.Lookup(*name)
	if err != nil {
		return err
	}
	switch v := value.(type) {
	case float64:
		*reply = v
	case int:
		*reply = float64(v)
	case bool:
		*reply = 0
		if v {
			*reply = 1
		}
	default:
		return fmt.Errorf("parameter %q is not numeric", *name)
	}
	return nil
}

// WriteBlocksArgs holds the arguments to the WriteBlocks operation.
type WriteBlocksArgs struct {
	Active    bool
	Directory string
}

// WriteBlocks turns .npy block snapshots on or off. The change is queued so
// it runs on the streaming goroutine between frames.
func (s *SourceControl) WriteBlocks(args *WriteBlocksArgs, reply *bool) error {
	s.mu.Lock()
	ds := s.activeSource
	s.mu.Unlock()
	if ds == nil {
		return fmt.Errorf("no source is active")
	}
	as, ok := ds.(interface{ ConfigureBlockWriting(bool, string) error })
	if !ok {
		return fmt.Errorf("active source cannot write blocks")
	}
	// The streaming goroutine may exit between the check above and the send,
	// so never wait on the queue alone.
	errC := make(chan error, 1)
	select {
	case s.queuedRequests <- func() { errC <- as.ConfigureBlockWriting(args.Active, args.Directory) }:
	case <-ds.abortC():
		return fmt.Errorf("source stopped before the change could be applied")
	}
	if err := <-errC; err != nil {
		return err
	}
	*reply = true
	return nil
}

func (s *SourceControl) broadcastUpdate() {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	s.clientUpdates <- ClientUpdate{"STATUS", status}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info, including the full parameter snapshot.
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	s.clientUpdates <- ClientUpdate{"PARAMS", s.params.Snapshot()}
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server.
func RunRPCServer(sourceControl *SourceControl, portrpc int) {
	// Transfer saved configuration from Viper to the sources.
	var okay bool
	UpdateLogger.Printf("using config file %s", viper.ConfigFileUsed())
	var ssc SimSourceConfig
	if err := viper.UnmarshalKey("sim", &ssc); err == nil {
		sourceControl.ConfigureSimSource(&ssc, &okay)
	}
	var asc Acq164SourceConfig
	if err := viper.UnmarshalKey("acq164", &asc); err == nil && asc.Host != "" {
		sourceControl.ConfigureAcq164Source(&asc, &okay)
	}

	// Regularly broadcast status so new clients catch up quickly. The period
	// follows the live update_time parameter.
	go func() {
		for {
			sourceControl.broadcastUpdate()
			seconds := sourceControl.params.GetFloat(ParamUpdateTime)
			time.Sleep(time.Duration(seconds * float64(time.Second)))
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(sourceControl)
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		ProblemLogger.Fatal("listen error:", err)
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			ProblemLogger.Fatal("accept error: " + err.Error())
		}
		UpdateLogger.Println("new connection established")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
