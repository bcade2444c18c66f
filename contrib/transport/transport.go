package transport

import "context"

// Server is the interface NewServer hands back to main: a process
// lifecycle (Start/Stop) independent of what's actually listening
// underneath it (currently always the caching HTTP proxy).
type Server interface {
	Start(context.Context) error
	Stop(context.Context) error
}
