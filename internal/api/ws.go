package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/fathom-run/fathom/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The protocol carries its own execution ids; cross-origin initiators
	// are allowed, same as on the raw TCP listener.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleProtocolWS upgrades the request to a websocket and runs a full
// protocol connection session over it. Browser-based initiators use this
// instead of the raw TCP listener.
func (s *Server) handleProtocolWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.engine.HandleFramer(r.Context(), protocol.NewWSFramer(conn))
}
