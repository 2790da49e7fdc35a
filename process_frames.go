package acq164d

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
)

// consecutiveZeroLimit is the longest run of exactly-zero sample codes a
// healthy channel can produce. A live 24-bit converter always carries noise
// in the low bits, so a longer run means the hardware link is returning
// filler instead of data.
const consecutiveZeroLimit = 60

// IntegrityFaultError reports a run of zero samples past the limit on one
// channel. It is unrecoverable for the current acquisition: every later
// sample in the session is suspect, so the supervisor is expected to
// terminate rather than resume.
type IntegrityFaultError struct {
	Channel int
	Sample  FrameIndex // sample number where the limit was crossed
	ZeroRun int
}

func (e *IntegrityFaultError) Error() string {
	return fmt.Sprintf("integrity fault: channel %d hit %d consecutive zero samples at sample %d",
		e.Channel, e.ZeroRun, e.Sample)
}

// ScalarEvent carries one channel's windowed mean to be published.
type ScalarEvent struct {
	Channel int
	Mean    float64
}

// BlockEvent carries one channel's full calibrated block to be published.
// Samples is a copy; it does not alias the processor's circular buffer.
type BlockEvent struct {
	Channel     int
	FirstSample FrameIndex // sample number of Samples[0]
	Samples     []float64
}

// PublishEvents is everything one processed frame wants published. Scalars
// are applied before Blocks: the windowed mean runs on a finer period than
// the block cycle.
type PublishEvents struct {
	Scalars []ScalarEvent
	Blocks  []BlockEvent
}

// FrameProcessor converts raw frames to calibrated samples, watches for
// stuck-at-zero channels, accumulates windowed means, and fills per-channel
// circular output buffers. All state here is owned by the one streaming
// goroutine; ProcessFrame is never called concurrently with itself.
type FrameProcessor struct {
	nchan      int
	maxPoints  int
	sampleRate float64
	cal        CalibrationTable
	acc        *WindowAccumulator
	params     *ParamStore

	out     [][]float64 // per-channel block buffer, len maxPoints each
	cursor  int         // shared write cursor, in [0, maxPoints)
	zeroRun []int       // consecutive zero samples, per channel
}

// NewFrameProcessor builds a processor for nchan channels. maxPoints is
// rounded down to a whole number of frames so a block boundary always
// coincides with a frame boundary; a value below one frame is raised to a
// single frame.
func NewFrameProcessor(nchan, maxPoints int, sampleRate float64, cal CalibrationTable,
	params *ParamStore) (*FrameProcessor, error) {
	if nchan < 1 {
		return nil, fmt.Errorf("NewFrameProcessor: nchan=%d, want at least 1", nchan)
	}
	if len(cal) != nchan {
		return nil, fmt.Errorf("NewFrameProcessor: calibration table has %d channels, want %d", len(cal), nchan)
	}
	rounded := (maxPoints / FrameSamples) * FrameSamples
	if rounded < FrameSamples {
		rounded = FrameSamples
	}
	if rounded != maxPoints {
		ProblemLogger.Printf("max_points %d is not a multiple of the frame size; using %d", maxPoints, rounded)
	}
	fp := &FrameProcessor{
		nchan:      nchan,
		maxPoints:  rounded,
		sampleRate: sampleRate,
		cal:        cal,
		acc:        NewWindowAccumulator(nchan),
		params:     params,
		out:        make([][]float64, nchan),
		zeroRun:    make([]int, nchan),
	}
	for c := range fp.out {
		fp.out[c] = make([]float64, rounded)
	}
	return fp, nil
}

// MaxPoints returns the (possibly rounded) block length in samples.
func (fp *FrameProcessor) MaxPoints() int {
	return fp.maxPoints
}

// Cursor returns the current block-buffer write position.
func (fp *FrameProcessor) Cursor() int {
	return fp.cursor
}

// ProcessFrame consumes exactly one frame: calibrate, check integrity, feed
// the accumulator, deposit into the block buffers, then decide what to
// publish. On an integrity fault it returns immediately with a typed error
// and no events; the partial state is never published.
func (fp *FrameProcessor) ProcessFrame(frame *Frame) (PublishEvents, error) {
	var events PublishEvents
	if frame.Nchan() != fp.nchan {
		return events, fmt.Errorf("frame has %d channels, processor expects %d", frame.Nchan(), fp.nchan)
	}

	for c := 0; c < fp.nchan; c++ {
		raw := frame.Channel(c)
		cal := fp.cal[c]
		buf := fp.out[c]
		for d := 0; d < FrameSamples; d++ {
			y := raw[d]
			if y == 0 {
				fp.zeroRun[c]++
				if fp.zeroRun[c] > consecutiveZeroLimit {
					return events, &IntegrityFaultError{
						Channel: c,
						Sample:  frame.firstSample + FrameIndex(d),
						ZeroRun: fp.zeroRun[c],
					}
				}
			} else {
				fp.zeroRun[c] = 0
			}
			volts := cal.Volts(y)
			buf[fp.cursor+d] = volts
			fp.acc.Add(c, volts)
		}
	}
	fp.cursor += FrameSamples

	// The windowed mean is checked first: it fires more often than the
	// block cycle, and its window length tracks the live scan_freq value.
	frameEnd := frame.firstSample + FrameSamples
	if scanFreq := fp.params.GetInt(ParamScanFreq); scanFreq > 0 {
		window := FrameIndex(fp.sampleRate / float64(scanFreq))
		if window < 1 {
			window = 1 // a scan rate above the sample rate fires every frame
		}
		if fp.acc.WindowElapsed(frameEnd, window) {
			events.Scalars = make([]ScalarEvent, fp.nchan)
			for c := 0; c < fp.nchan; c++ {
				events.Scalars[c] = ScalarEvent{Channel: c, Mean: fp.acc.Mean(c)}
			}
			fp.acc.Clear()
		}
	}

	if fp.cursor >= fp.maxPoints {
		first := frameEnd - FrameIndex(fp.maxPoints)
		events.Blocks = make([]BlockEvent, fp.nchan)
		for c := 0; c < fp.nchan; c++ {
			block := make([]float64, fp.maxPoints)
			copy(block, fp.out[c])
			events.Blocks[c] = BlockEvent{Channel: c, FirstSample: first, Samples: block}
		}
		fp.cursor = 0
	}
	return events, nil
}

// faultDump renders the per-channel zero-run counters for the problem log,
// so a post-mortem can tell one dead channel from a dead link.
func (fp *FrameProcessor) faultDump() string {
	return spew.Sdump(struct {
		Cursor   int
		ZeroRuns []int
	}{fp.cursor, fp.zeroRun})
}
