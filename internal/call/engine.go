package call

import "encoding/json"

// Role selects which side of the media negotiation an engine plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Stream is a media stream handle. The manager only passes it through.
type Stream interface {
	StreamID() string
}

// Callbacks are handed to the engine at creation. They may be invoked from
// any goroutine; the manager re-posts them onto its event loop.
type Callbacks struct {
	LocalPayload func(json.RawMessage)
	RemoteMedia  func(Stream)
	Closed       func(error)
}

// Engine is one live media negotiation. The manager owns it exclusively.
type Engine interface {
	ApplyRemotePayload(json.RawMessage) error
	Closed() bool
	Destroy() // idempotent
}

// EngineFactory creates an engine for role carrying media.
type EngineFactory func(role Role, media Stream, cb Callbacks) (Engine, error)
