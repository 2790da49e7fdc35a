package acq164d

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	sysctl "github.com/lorenzosaino/go-sysctl"
)

// DeviceState is the acquisition-engine state reported by the card.
type DeviceState int

// The states the ACQ164 firmware reports.
const (
	DevStopped DeviceState = iota
	DevArmed
	DevRunning
	DevError
)

func (s DeviceState) String() string {
	switch s {
	case DevStopped:
		return "ST_STOP"
	case DevArmed:
		return "ST_ARM"
	case DevRunning:
		return "ST_RUN"
	}
	return "ST_ERROR"
}

// Transport is the command-and-data connection to one ACQ164 card. Acq2sh
// runs a command in the card's hub shell; Acqcmd addresses the acquisition
// engine itself. NextFrame blocks until the card delivers the next frame of
// raw samples.
type Transport interface {
	Acq2sh(cmd string) (string, error)
	Acqcmd(cmd string) (string, error)
	GetState() (DeviceState, error)
	GetChannelRanges(n int) ([]VRange, error)
	NextFrame() (*Frame, error)
	Close() error
}

// TCP port of the card's command service and UDP port for frame data.
const (
	commandPort = 53504
	dataPort    = 53666
)

// Size of one frame datagram: an 8-byte starting sample number, then
// channel-major big-endian int32 samples.
const frameHeaderBytes = 8

// wantRecvBufBytes is the kernel receive buffer the data socket asks for.
// Frames arrive in bursts when the card flushes its FIFO, so the default
// rmem ceiling on most distributions is not enough.
const wantRecvBufBytes = 4 << 20

// netTransport talks to a real card over the network.
type netTransport struct {
	host     string
	nchan    int
	cmdMu    sync.Mutex // serializes command/response exchanges
	cmdConn  net.Conn
	cmdRead  *bufio.Reader
	dataConn *net.UDPConn
}

// DialTransport connects to the card's command service and opens the frame
// data socket.
func DialTransport(host string, nchan int) (Transport, error) {
	cmdConn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, commandPort), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing %s command service: %w", host, err)
	}
	dataAddr := &net.UDPAddr{Port: dataPort}
	dataConn, err := net.ListenUDP("udp", dataAddr)
	if err != nil {
		cmdConn.Close()
		return nil, fmt.Errorf("opening frame data socket: %w", err)
	}
	if err := dataConn.SetReadBuffer(wantRecvBufBytes); err != nil {
		ProblemLogger.Printf("could not set %d byte receive buffer: %s", wantRecvBufBytes, err)
	}
	checkKernelReceiveBuffer()

	return &netTransport{
		host:     host,
		nchan:    nchan,
		cmdConn:  cmdConn,
		cmdRead:  bufio.NewReader(cmdConn),
		dataConn: dataConn,
	}, nil
}

// checkKernelReceiveBuffer warns when net.core.rmem_max will silently cap
// the receive buffer we just asked for.
func checkKernelReceiveBuffer() {
	val, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		return // not Linux, or no procfs: nothing to check
	}
	rmem, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return
	}
	if rmem < wantRecvBufBytes {
		ProblemLogger.Printf("net.core.rmem_max=%d is below the wanted %d; frame drops are likely. "+
			"Consider: sudo sysctl -w net.core.rmem_max=%d", rmem, wantRecvBufBytes, wantRecvBufBytes)
	}
}

// command sends one line and reads the one-line response. Responses starting
// with "ERROR" are returned as errors.
func (t *netTransport) command(service, cmd string) (string, error) {
	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()
	if _, err := fmt.Fprintf(t.cmdConn, "%s %s\n", service, cmd); err != nil {
		return "", fmt.Errorf("sending %q: %w", cmd, err)
	}
	line, err := t.cmdRead.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading response to %q: %w", cmd, err)
	}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "ERROR") {
		return "", fmt.Errorf("card rejected %q: %s", cmd, line)
	}
	return line, nil
}

// Acq2sh runs a hub shell command on the card.
func (t *netTransport) Acq2sh(cmd string) (string, error) {
	return t.command("acq2sh", cmd)
}

// Acqcmd addresses the acquisition engine.
func (t *netTransport) Acqcmd(cmd string) (string, error) {
	return t.command("acqcmd", cmd)
}

// GetState queries and parses the acquisition-engine state.
func (t *netTransport) GetState() (DeviceState, error) {
	resp, err := t.Acq2sh("get.acq164.state")
	if err != nil {
		return DevError, err
	}
	return parseDeviceState(resp)
}

func parseDeviceState(resp string) (DeviceState, error) {
	// The card answers like "0 ST_STOP"; the name is authoritative.
	fields := strings.Fields(resp)
	if len(fields) == 0 {
		return DevError, fmt.Errorf("empty state response")
	}
	switch fields[len(fields)-1] {
	case "ST_STOP":
		return DevStopped, nil
	case "ST_ARM":
		return DevArmed, nil
	case "ST_RUN", "ST_TRIGGER", "ST_CAPTURE":
		return DevRunning, nil
	}
	return DevError, fmt.Errorf("unrecognized device state %q", resp)
}

// GetChannelRanges queries the input voltage ranges. The card reports one
// entry more than it has channels; entry 0 is not a real channel, and the
// calibration code is responsible for skipping it.
func (t *netTransport) GetChannelRanges(n int) ([]VRange, error) {
	resp, err := t.Acq2sh("get.vin")
	if err != nil {
		return nil, err
	}
	return parseChannelRanges(resp, n)
}

func parseChannelRanges(resp string, n int) ([]VRange, error) {
	fields := strings.Fields(resp)
	if len(fields) < n {
		return nil, fmt.Errorf("device reported %d voltage ranges, want %d", len(fields), n)
	}
	ranges := make([]VRange, n)
	for i := 0; i < n; i++ {
		lo, hi, ok := strings.Cut(fields[i], ",")
		if !ok {
			return nil, fmt.Errorf("malformed voltage range %q", fields[i])
		}
		vmin, err := strconv.ParseFloat(lo, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed voltage range %q: %w", fields[i], err)
		}
		vmax, err := strconv.ParseFloat(hi, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed voltage range %q: %w", fields[i], err)
		}
		ranges[i] = VRange{Vmin: vmin, Vmax: vmax}
	}
	return ranges, nil
}

// NextFrame blocks for the next frame datagram and decodes it.
func (t *netTransport) NextFrame() (*Frame, error) {
	want := frameHeaderBytes + 4*t.nchan*FrameSamples
	buf := make([]byte, want+1)
	n, _, err := t.dataConn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return decodeFrame(buf[:n], t.nchan)
}

func decodeFrame(buf []byte, nchan int) (*Frame, error) {
	want := frameHeaderBytes + 4*nchan*FrameSamples
	if len(buf) != want {
		return nil, fmt.Errorf("frame datagram is %d bytes, want %d for %d channels", len(buf), want, nchan)
	}
	frame := NewFrame(nchan, FrameIndex(binary.BigEndian.Uint64(buf[:frameHeaderBytes])))
	off := frameHeaderBytes
	for c := 0; c < nchan; c++ {
		for d := 0; d < FrameSamples; d++ {
			frame.raw[c][d] = RawType(int32(binary.BigEndian.Uint32(buf[off:])))
			off += 4
		}
	}
	return frame, nil
}

// Close shuts both connections; a blocked NextFrame returns with an error.
func (t *netTransport) Close() error {
	t.dataConn.Close()
	return t.cmdConn.Close()
}
