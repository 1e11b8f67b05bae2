package cronapi

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamClient is one connected /v1/stream operator socket. The feed is
// read-only: the client never sends anything the server interprets, so
// there is no handshake state to track beyond the connection itself.
type streamClient struct {
	conn *websocket.Conn
}

// handleStream accepts a websocket connection and forwards every bus
// event to it until the client disconnects or the bus is unavailable.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		http.Error(w, "telemetry stream not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	client := &streamClient{conn: conn}
	s.addClient(client)
	defer func() {
		s.removeClient(client)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.deps.Bus.Subscribe("")
	defer s.deps.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, map[string]any{
				"topic":   ev.Topic,
				"payload": ev.Payload,
			}); err != nil {
				s.deps.Logger.Warn("telemetry stream write failed, dropping client", "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(c *streamClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *streamClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}
