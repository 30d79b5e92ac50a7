package httpserver

import "context"

// Lifecycle is what the service runner needs from an HTTP server.
type Lifecycle interface {
	// Start serves until Shutdown and blocks meanwhile.
	Start() error

	// Shutdown stops accepting requests and waits for in-flight ones.
	Shutdown(ctx context.Context) error
}

var _ Lifecycle = (*Server)(nil)
