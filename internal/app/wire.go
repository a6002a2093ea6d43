package app

import (
	"fmt"

	"github.com/1ureka/meet/internal/call"
	"github.com/1ureka/meet/internal/engine"
)

// PionEngines adapts an engine.Factory to the call manager. The media handed
// to the manager must be an *engine.LocalMedia.
func PionEngines(f *engine.Factory) call.EngineFactory {
	return func(role call.Role, media call.Stream, cb call.Callbacks) (call.Engine, error) {
		local, ok := media.(*engine.LocalMedia)
		if !ok {
			return nil, fmt.Errorf("unsupported media stream %T", media)
		}

		r := engine.Initiator
		if role == call.RoleResponder {
			r = engine.Responder
		}

		peer, err := f.NewPeer(r, local, engine.Callbacks{
			LocalPayload: cb.LocalPayload,
			RemoteMedia:  func(s *engine.RemoteStream) { cb.RemoteMedia(s) },
			Closed:       cb.Closed,
		})
		if err != nil {
			return nil, err
		}
		return peer, nil
	}
}
