// Package transport defines the wire-level contract the Message
// Router and Task Manager use to reach a remote agent, and an HTTP/
// JSON-RPC implementation of it. An Adapter hides everything about
// how a message physically gets to an agent: HTTP today, anything
// else tomorrow, without either caller needing to change.
package transport

import (
	"context"

	"github.com/a2a-fabric/core/types"
)

// StreamEvent is one event emitted while a streamed message is in
// flight. Exactly one of Status, Artifact, or Err is set; a nil
// Status/Artifact/Err and Done:true marks the end of the stream.
type StreamEvent struct {
	Status   *types.StatusUpdateEvent
	Artifact *types.ArtifactUpdateEvent
	Err      error
	Done     bool
}

// Adapter is the contract a transport must satisfy to carry messages
// between agents. Implementations must be safe for concurrent use
// across goroutines.
type Adapter interface {
	// SendMessage delivers a message to the given endpoint and waits
	// for the resulting task's current state.
	SendMessage(ctx context.Context, endpoint string, msg types.Message) (types.Task, error)

	// SendMessageStream delivers a message and returns a channel of
	// incremental status/artifact events. The channel is closed once a
	// StreamEvent with Done:true, a final status event, or an Err event
	// has been delivered, or the context is canceled.
	SendMessageStream(ctx context.Context, endpoint string, msg types.Message) (<-chan StreamEvent, error)

	// Close releases any resources (idle connections, background
	// goroutines) held by the adapter.
	Close() error
}
