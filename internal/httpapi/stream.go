package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// handleStream upgrades to a websocket and forwards the owner's snapshots.
// The stream is latest-wins: a slow client skips intermediate snapshots and
// always receives the newest one. The connection closes when the session
// stops or the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, ownerID, correlationID string) {
	session, ok := s.manager.Get(ownerID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no active watch for owner", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("stream %s: accept: %v", ownerID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream terminated")

	stream := session.Stream()
	defer stream.Cancel()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// read loop exists only to observe the close handshake
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client closed")
			return
		case snap, open := <-stream.Updates():
			if !open {
				conn.Close(websocket.StatusNormalClosure, "session stopped")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, snap)
			cancelWrite()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logf("stream %s: write: %v", ownerID, err)
				}
				return
			}
		}
	}
}
