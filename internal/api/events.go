package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/SB-IM/liveview/internal/api/httpx"
)

// handleEvents streams the viewer status on every change until the client leaves
// or the viewer is deleted.
func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		v, ok := s.Viewer(name)
		if !ok {
			httpx.WriteError(w, http.StatusNotFound, httpx.ErrViewerNotFound)
			return
		}
		logger := s.logger.With().Str("viewer", name).Logger()

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Err(err).Msg("could not accept websocket")
			return
		}
		defer c.Close(websocket.StatusInternalError, "")

		// Reads are not expected; CloseRead handles the client's close frame.
		ctx := c.CloseRead(r.Context())

		for {
			changed := v.Changed()
			if err := wsjson.Write(ctx, c, statusOf(v)); err != nil {
				logger.Debug().Err(err).Msg("events client gone")
				return
			}
			if _, ok := s.Viewer(name); !ok {
				c.Close(websocket.StatusNormalClosure, "viewer deleted")
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}
}
