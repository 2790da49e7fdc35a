package acq164d

// Portnumbers structs can contain all TCP port numbers used by one server.
type Portnumbers struct {
	RPC     int // JSON-RPC control connections
	Status  int // ZMQ PUB for server status and parameter updates
	Blocks  int // ZMQ PUB for calibrated data blocks
	Scalars int // ZMQ PUB for windowed scalar means
	Monitor int // websocket monitor
}

// Ports globally holds all TCP port numbers used by this server.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Blocks = base + 2
	Ports.Scalars = base + 3
	Ports.Monitor = base + 4
}
