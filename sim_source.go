package acq164d

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SimSourceConfig holds the arguments needed to configure a SimSource by RPC.
type SimSourceConfig struct {
	Nchan      int
	SampleRate float64
	Amplitude  float64 // sine amplitude in volts, centered mid-range
	SignalFreq float64 // sine frequency in Hz
}

// SimSource generates sine-plus-noise data in the absence of hardware. It
// goes through the same calibration and streaming path as a real card, so
// everything downstream is exercised identically.
type SimSource struct {
	config       SimSourceConfig
	timePerFrame time.Duration
	lastRead     time.Time
	rng          *rand.Rand
	sampleNum    FrameIndex
	AnySource
}

// NewSimSource creates a new SimSource.
func NewSimSource() *SimSource {
	source := new(SimSource)
	source.name = "Sim"
	return source
}

// Configure stores the generation settings. Valid only on an inactive source.
func (ss *SimSource) Configure(config *SimSourceConfig) error {
	ss.sourceStateLock.Lock()
	defer ss.sourceStateLock.Unlock()
	if ss.sourceState != Inactive {
		return fmt.Errorf("cannot Configure a SimSource if it's %v, not Inactive", ss.sourceState)
	}
	if config.Nchan < 1 {
		config.Nchan = 2
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 20000.0
	}
	if config.Amplitude <= 0 {
		config.Amplitude = 1.0
	}
	if config.SignalFreq <= 0 {
		config.SignalFreq = 1000.0
	}
	ss.config = *config
	ss.nchan = config.Nchan
	ss.sampleRate = config.SampleRate
	ss.timePerFrame = time.Duration(float64(FrameSamples) / config.SampleRate * 1e9)
	return nil
}

// Sample builds the calibration the way a real card reports it: one unused
// leading range entry, then 0 to 3.3 V per channel.
func (ss *SimSource) Sample() error {
	ranges := make([]VRange, ss.nchan+1)
	for i := 1; i <= ss.nchan; i++ {
		ranges[i] = VRange{Vmin: 0.0, Vmax: 3.3}
	}
	cal, err := ComputeCalibration(ranges, ss.nchan)
	if err != nil {
		return err
	}
	ss.cal = cal
	return nil
}

// PrepareRun extends the common preparation with the block statistics hook
// that feeds the min/max/mean readback parameters.
func (ss *SimSource) PrepareRun() error {
	if err := ss.AnySource.PrepareRun(); err != nil {
		return err
	}
	ss.blockHook = ss.updateBlockStats
	return nil
}

// StartRun launches the frame generator, paced to real time.
func (ss *SimSource) StartRun() error {
	ss.lastRead = time.Now()
	ss.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	ss.sampleNum = 0
	go func() {
		defer close(ss.nextFrame)
		for {
			nextread := ss.lastRead.Add(ss.timePerFrame)
			waittime := time.Until(nextread)
			select {
			case <-ss.abortSelf:
				return
			case <-time.After(waittime):
				ss.lastRead = time.Now()
			}
			frame := ss.generateFrame()
			select {
			case <-ss.abortSelf:
				return
			case ss.nextFrame <- frame:
			}
		}
	}()
	return nil
}

// generateFrame fills one frame with the sine signal plus uniform noise whose
// amplitude tracks the live noise parameter.
func (ss *SimSource) generateFrame() *Frame {
	noise := ss.params.GetFloat(ParamNoiseAmplitude)
	frame := NewFrame(ss.nchan, ss.sampleNum)
	omega := 2 * math.Pi * ss.config.SignalFreq / ss.sampleRate
	for c := 0; c < ss.nchan; c++ {
		cal := ss.cal[c]
		for d := 0; d < FrameSamples; d++ {
			phase := omega * float64(ss.sampleNum+FrameIndex(d))
			volts := 1.65 + ss.config.Amplitude*math.Sin(phase)
			if noise > 0 {
				volts += noise * (ss.rng.Float64() - 0.5)
			}
			frame.raw[c][d] = rawFromVolts(volts, cal)
		}
	}
	ss.sampleNum += FrameSamples
	return frame
}

// rawFromVolts inverts the calibration, clamped to the 24-bit code range.
func rawFromVolts(volts float64, cal ChannelCalibration) RawType {
	code := math.Round((volts - cal.Offset) / cal.Scale)
	if code < rawMin {
		code = rawMin
	} else if code > rawMax {
		code = rawMax
	}
	return RawType(code)
}

// updateBlockStats publishes the statistics of each channel-0 block through
// the readback parameters.
func (ss *SimSource) updateBlockStats(ev BlockEvent) {
	if ev.Channel != 0 || len(ev.Samples) == 0 {
		return
	}
	ss.params.SetFloat(ParamMinValue, floats.Min(ev.Samples))
	ss.params.SetFloat(ParamMaxValue, floats.Max(ev.Samples))
	ss.params.SetFloat(ParamMeanValue, stat.Mean(ev.Samples, nil))
}
