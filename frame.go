package acq164d

// RawType holds one raw digitizer sample code. The ACQ164 delivers 24-bit
// two's-complement codes left-justified into a 32-bit word by the transport.
type RawType int32

// FrameIndex counts samples per channel since the acquisition was armed.
type FrameIndex int64

// FrameSamples is the fixed number of samples per channel in one transport
// frame.
const FrameSamples = 250

// Frame is one fixed-size batch of raw samples across all channels. It is
// borrowed by the processing chain for the duration of one call and never
// retained.
type Frame struct {
	firstSample FrameIndex // sample number of raw[c][0], identical for all channels
	raw         [][]RawType
	err         error // errors here indicate a problem with the frame supply
}

// NewFrame allocates an empty frame for nchan channels.
func NewFrame(nchan int, firstSample FrameIndex) *Frame {
	raw := make([][]RawType, nchan)
	for c := range raw {
		raw[c] = make([]RawType, FrameSamples)
	}
	return &Frame{firstSample: firstSample, raw: raw}
}

// Nchan returns the number of channels carried by the frame.
func (f *Frame) Nchan() int {
	return len(f.raw)
}

// FirstSample returns the per-channel sample number of the frame's first sample.
func (f *Frame) FirstSample() FrameIndex {
	return f.firstSample
}

// Channel returns the raw data for one channel. The slice remains owned by
// the frame.
func (f *Frame) Channel(c int) []RawType {
	return f.raw[c]
}
