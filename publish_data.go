package acq164d

import (
	"encoding/binary"
	"fmt"
	"math"

	zmq "github.com/pebbe/zmq4"
)

// DataPublisher owns the two ZMQ PUB sockets that carry pipeline output:
// full calibrated blocks on one port, windowed scalar means on the other.
// PUB sockets drop messages when nobody subscribes, which is exactly the
// fire-and-forget contract the pipeline wants: no acknowledgment, no
// backpressure into the streaming loop.
type DataPublisher struct {
	blockSocket  *zmq.Socket
	scalarSocket *zmq.Socket
}

// NewDataPublisher binds PUB sockets on the given ports.
func NewDataPublisher(portBlocks, portScalars int) (*DataPublisher, error) {
	blockSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err = blockSocket.Bind(fmt.Sprintf("tcp://*:%d", portBlocks)); err != nil {
		blockSocket.Close()
		return nil, err
	}
	scalarSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		blockSocket.Close()
		return nil, err
	}
	if err = scalarSocket.Bind(fmt.Sprintf("tcp://*:%d", portScalars)); err != nil {
		blockSocket.Close()
		scalarSocket.Close()
		return nil, err
	}
	return &DataPublisher{blockSocket: blockSocket, scalarSocket: scalarSocket}, nil
}

// Close shuts both sockets.
func (dp *DataPublisher) Close() {
	if dp.blockSocket != nil {
		dp.blockSocket.Close()
	}
	if dp.scalarSocket != nil {
		dp.scalarSocket.Close()
	}
}

// PublishBlock sends one channel's calibrated block. The first message frame
// is the 2-byte channel number, so subscribers can filter by channel prefix.
func (dp *DataPublisher) PublishBlock(ev BlockEvent) error {
	if _, err := dp.blockSocket.SendBytes(channelPrefix(ev.Channel), zmq.SNDMORE); err != nil {
		return err
	}
	_, err := dp.blockSocket.SendBytes(blockMessage(ev), 0)
	return err
}

// PublishScalar sends one channel's windowed mean.
func (dp *DataPublisher) PublishScalar(ev ScalarEvent) error {
	if _, err := dp.scalarSocket.SendBytes(channelPrefix(ev.Channel), zmq.SNDMORE); err != nil {
		return err
	}
	_, err := dp.scalarSocket.SendBytes(scalarMessage(ev), 0)
	return err
}

func channelPrefix(channel int) []byte {
	prefix := make([]byte, 2)
	binary.LittleEndian.PutUint16(prefix, uint16(channel))
	return prefix
}

// blockMessage payload: int64 first-sample number, uint32 sample count, then
// the samples as little-endian float64.
func blockMessage(ev BlockEvent) []byte {
	msg := make([]byte, 12+8*len(ev.Samples))
	binary.LittleEndian.PutUint64(msg[0:8], uint64(ev.FirstSample))
	binary.LittleEndian.PutUint32(msg[8:12], uint32(len(ev.Samples)))
	for i, v := range ev.Samples {
		binary.LittleEndian.PutUint64(msg[12+8*i:], math.Float64bits(v))
	}
	return msg
}

// scalarMessage payload: the mean as little-endian float64.
func scalarMessage(ev ScalarEvent) []byte {
	msg := make([]byte, 8)
	binary.LittleEndian.PutUint64(msg, math.Float64bits(ev.Mean))
	return msg
}

// decodeBlockMessage is the inverse of blockMessage; subscribers and tests
// use it to unpack a block payload.
func decodeBlockMessage(prefix, payload []byte) (BlockEvent, error) {
	var ev BlockEvent
	if len(prefix) != 2 {
		return ev, fmt.Errorf("block message prefix is %d bytes, want 2", len(prefix))
	}
	if len(payload) < 12 {
		return ev, fmt.Errorf("block message payload is %d bytes, want at least 12", len(payload))
	}
	ev.Channel = int(binary.LittleEndian.Uint16(prefix))
	ev.FirstSample = FrameIndex(binary.LittleEndian.Uint64(payload[0:8]))
	n := int(binary.LittleEndian.Uint32(payload[8:12]))
	if len(payload) != 12+8*n {
		return ev, fmt.Errorf("block message payload is %d bytes, want %d for %d samples", len(payload), 12+8*n, n)
	}
	ev.Samples = make([]float64, n)
	for i := range ev.Samples {
		ev.Samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[12+8*i:]))
	}
	return ev, nil
}

// decodeScalarMessage is the inverse of scalarMessage.
func decodeScalarMessage(prefix, payload []byte) (ScalarEvent, error) {
	var ev ScalarEvent
	if len(prefix) != 2 || len(payload) != 8 {
		return ev, fmt.Errorf("scalar message is %d+%d bytes, want 2+8", len(prefix), len(payload))
	}
	ev.Channel = int(binary.LittleEndian.Uint16(prefix))
	ev.Mean = math.Float64frombits(binary.LittleEndian.Uint64(payload))
	return ev, nil
}
