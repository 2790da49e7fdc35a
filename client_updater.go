package acq164d

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest server state on the status port.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the status port.
type ClientUpdate struct {
	tag   string
	state any
}

// RunClientUpdater forwards server-state messages and parameter changes to
// the ZMQ status publisher, so control clients can track the server without
// polling. If the status socket cannot be opened the updater keeps draining
// its inputs and drops the messages: senders must never block on a missing
// subscriber port.
func RunClientUpdater(params *ParamStore, messages <-chan ClientUpdate, portstatus int) {
	pubSocket := openStatusSocket(portstatus)
	if pubSocket != nil {
		defer pubSocket.Close()
	}

	paramUpdates := params.Updates()
	for {
		select {
		case update := <-messages:
			if pubSocket != nil {
				publishUpdate(pubSocket, update.tag, update.state)
			}

		case pu, ok := <-paramUpdates:
			if !ok {
				return
			}
			if pubSocket != nil {
				publishUpdate(pubSocket, "PARAM", pu)
			}
		}
	}
}

// openStatusSocket binds the status PUB socket, or returns nil on failure.
func openStatusSocket(portstatus int) *zmq.Socket {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status socket: %s", err)
		return nil
	}
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portstatus)); err != nil {
		ProblemLogger.Printf("could not bind status socket: %s", err)
		pubSocket.Close()
		return nil
	}
	return pubSocket
}

// publishUpdate sends a two-frame message: the tag, then the JSON state.
func publishUpdate(pubSocket *zmq.Socket, tag string, state any) {
	message, err := json.Marshal(state)
	if err != nil {
		ProblemLogger.Printf("could not marshal %s update: %s", tag, err)
		return
	}
	if _, err := pubSocket.SendBytes([]byte(tag), zmq.SNDMORE); err != nil {
		return
	}
	pubSocket.SendBytes(message, 0)
}
