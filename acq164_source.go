package acq164d

import (
	"errors"
	"fmt"
)

// ErrDeviceBusy means the card was found mid-acquisition at setup time.
// That is not a fault: we refuse to reconfigure under a live acquisition and
// simply do not start streaming.
var ErrDeviceBusy = errors.New("device is already running; leaving the live acquisition undisturbed")

// Acq164SourceConfig holds the arguments needed to configure an
// Acq164Source by RPC.
type Acq164SourceConfig struct {
	Host        string
	Nchan       int
	SampleRate  float64
	ChannelMask int
	RoleDiv     int // clock divisor for the MASTER role command
}

// Acq164Source streams frames from one ACQ164 card over the network.
type Acq164Source struct {
	config      Acq164SourceConfig
	transport   Transport
	dial        func(host string, nchan int) (Transport, error)
	deviceState DeviceState
	AnySource
}

// NewAcq164Source creates a new Acq164Source.
func NewAcq164Source() *Acq164Source {
	source := new(Acq164Source)
	source.name = "Acq164"
	source.dial = DialTransport
	return source
}

// Configure stores the connection settings. Valid only on an inactive source.
func (as *Acq164Source) Configure(config *Acq164SourceConfig) error {
	as.sourceStateLock.Lock()
	defer as.sourceStateLock.Unlock()
	if as.sourceState != Inactive {
		return fmt.Errorf("cannot Configure an Acq164Source if it's %v, not Inactive", as.sourceState)
	}
	if config.Nchan < 1 {
		config.Nchan = 64
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 20000.0
	}
	if config.ChannelMask == 0 {
		config.ChannelMask = 1
	}
	if config.RoleDiv == 0 {
		config.RoleDiv = 20
	}
	as.config = *config
	as.nchan = config.Nchan
	as.sampleRate = config.SampleRate
	return nil
}

// Sample connects to the card and determines the facts we need before
// streaming: its state and the voltage ranges that define the calibration.
// Either query failing is fatal to startup; without ranges there is no safe
// default calibration.
func (as *Acq164Source) Sample() error {
	if as.config.Host == "" {
		return fmt.Errorf("Acq164Source is not configured (no host)")
	}
	if as.transport == nil {
		t, err := as.dial(as.config.Host, as.nchan)
		if err != nil {
			return err
		}
		as.transport = t
	}
	state, err := as.transport.GetState()
	if err != nil {
		return fmt.Errorf("failed to get device state: %w", err)
	}
	as.deviceState = state

	// One extra range entry: the report includes the unused leading slot.
	ranges, err := as.transport.GetChannelRanges(as.nchan + 1)
	if err != nil {
		return fmt.Errorf("failed to get channel ranges: %w", err)
	}
	cal, err := ComputeCalibration(ranges, as.nchan)
	if err != nil {
		return err
	}
	as.cal = cal
	return nil
}

// StartRun configures and arms the card, then begins pulling frames. A card
// that is not stopped is left alone: ErrDeviceBusy, logged upstream.
func (as *Acq164Source) StartRun() error {
	if as.deviceState != DevStopped {
		ProblemLogger.Printf("card state is %v: let it run, or stop it if you want it reconfigured", as.deviceState)
		return ErrDeviceBusy
	}
	setup := []struct {
		send func(string) (string, error)
		cmd  string
	}{
		{as.transport.Acq2sh, fmt.Sprintf("set.dtacq channel_mask %d", as.config.ChannelMask)},
		{as.transport.Acq2sh, fmt.Sprintf("set.acq164.role MASTER %d", as.config.RoleDiv)},
		{as.transport.Acqcmd, "setMode SOFT_CONTINUOUS 1"},
		{as.transport.Acqcmd, "setArm"},
	}
	for _, s := range setup {
		if _, err := s.send(s.cmd); err != nil {
			return fmt.Errorf("device setup %q failed: %w", s.cmd, err)
		}
	}

	go func() {
		defer close(as.nextFrame)
		for {
			select {
			case <-as.abortSelf:
				return
			default:
			}
			frame, err := as.transport.NextFrame()
			if err != nil {
				select {
				case <-as.abortSelf: // closing the transport made the read fail
				case as.nextFrame <- &Frame{err: err}:
				}
				return
			}
			select {
			case <-as.abortSelf:
				return
			case as.nextFrame <- frame:
			}
		}
	}()
	return nil
}

// Stop shuts down streaming and closes the transport, which unblocks any
// pending frame read.
func (as *Acq164Source) Stop() error {
	err := as.AnySource.Stop()
	if as.transport != nil {
		as.transport.Close()
		as.transport = nil
	}
	return err
}
