package acq164d

import "fmt"

// VRange is one device-reported input voltage range.
type VRange struct {
	Vmin float64
	Vmax float64
}

// Raw sample codes span [rawMin, rawMax], the 24-bit two's-complement domain.
const (
	rawMin = -(1 << 23)
	rawMax = 1 << 23
)

// ChannelCalibration is the linear transform from raw sample codes to volts:
// v = raw*Scale + Offset. Computed once at startup and read-only thereafter.
type ChannelCalibration struct {
	Scale  float64
	Offset float64
}

// Volts converts one raw sample code to calibrated volts.
func (c ChannelCalibration) Volts(raw RawType) float64 {
	return float64(raw)*c.Scale + c.Offset
}

// CalibrationTable holds one ChannelCalibration per channel index.
type CalibrationTable []ChannelCalibration

// ComputeCalibration derives the per-channel calibration from device-reported
// voltage ranges:
//
//	Scale  = (Vmax-Vmin)/(X2-X1)
//	Offset = Vmin - X1*Scale
//
// The range query returns one extra leading entry: ranges[0] is not a real
// channel, so channel i reads ranges[i+1]. That skip matches the device's
// actual reporting and must not be "fixed" here.
func ComputeCalibration(ranges []VRange, nchan int) (CalibrationTable, error) {
	if nchan < 1 {
		return nil, fmt.Errorf("ComputeCalibration: nchan=%d, want at least 1", nchan)
	}
	if len(ranges) < nchan+1 {
		return nil, fmt.Errorf("ComputeCalibration: have %d voltage ranges, need %d (nchan+1, counting the unused leading entry)",
			len(ranges), nchan+1)
	}
	cal := make(CalibrationTable, nchan)
	for i := 0; i < nchan; i++ {
		y1 := ranges[i+1].Vmin
		y2 := ranges[i+1].Vmax
		scale := (y2 - y1) / float64(rawMax-rawMin)
		cal[i] = ChannelCalibration{Scale: scale, Offset: y1 - rawMin*scale}
	}
	return cal, nil
}
