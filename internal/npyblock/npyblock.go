// Package npyblock saves published calibrated blocks as numpy .npy files,
// one file per channel per block, so a run can be inspected offline with
// numpy.load and nothing else.
package npyblock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
)

// Writer writes block snapshots into one directory, named by run ID,
// channel, and the block's first sample number.
type Writer struct {
	dir   string
	runID string
}

// NewWriter ensures dir exists and returns a Writer for the given run.
func NewWriter(dir, runID string) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("npyblock: empty directory")
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}
	return &Writer{dir: dir, runID: runID}, nil
}

// WriteBlock writes one channel's calibrated block and returns the filename.
func (w *Writer) WriteBlock(channel int, firstSample int64, samples []float64) (string, error) {
	name := fmt.Sprintf("%s_chan%03d_%012d.npy", w.runID, channel, firstSample)
	fullname := filepath.Join(w.dir, name)
	f, err := os.Create(fullname)
	if err != nil {
		return "", err
	}
	if err := npyio.Write(f, samples); err != nil {
		f.Close()
		return "", fmt.Errorf("npyblock: writing %s: %w", name, err)
	}
	return fullname, f.Close()
}
