package acqdb

import "time"

// The composite types used for messages to the ClickHouse database.

// RunMessage is the information required to make an entry in the runs table.
type RunMessage struct {
	RunID      string
	Source     string
	Hostname   string
	Nchannels  int
	SampleRate float64
	Start      time.Time
	End        time.Time
	Stopped    bool
}

// FaultMessage records one data-integrity fault in the faults table.
type FaultMessage struct {
	RunID   string
	Channel int
	Sample  int64
	When    time.Time
}
