package service

import (
	"net"
	"time"

	"github.com/remdap/remdap/pkg/config"
)

// Config provides the configuration to start the debug bridge and expose it
// to a DAP front-end.
type Config struct {
	// Listener is used to accept the front-end connection.
	Listener net.Listener

	// Connection is the remote debugger endpoint to bridge to.
	Connection config.ConnectionConfig

	// TerminalID identifies this machine to the remote debuggee listener.
	TerminalID string

	// TableChunkSize is the maximum number of keys per bulk fetch request.
	TableChunkSize int
	// MaxBatchRequests caps concurrent bulk fetch requests.
	MaxBatchRequests int
	// ListenerBackoff is the wait between attach listener retries after
	// an unrecognized remote failure.
	ListenerBackoff time.Duration

	// DisconnectChan will be closed by the server when the front-end
	// disconnects.
	DisconnectChan chan<- struct{}
}
