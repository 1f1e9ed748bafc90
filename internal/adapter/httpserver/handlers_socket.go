package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/centrifugal/centrifuge"
	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/crowdpad/internal/platform/errors"
)

const maxPlayerIDLength = 128

func (s *Server) registerSocketRoutes() {
	if s.websocketHandler == nil {
		return
	}
	socket := playerCredentialsMiddleware(s.websocketHandler)
	s.echo.GET("/connection/websocket", func(c echo.Context) error {
		ip := c.RealIP()
		ok, reason := s.socketLimits.Acquire(ip)
		if !ok {
			slog.WarnContext(c.Request().Context(), "Socket connection refused", "ip", ip, "reason", string(reason))
			return apperrors.RateLimitedError("too many socket connections").WithField("reason", string(reason))
		}
		defer s.socketLimits.Release(ip)

		socket.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

// playerCredentialsMiddleware hands the participant identity to centrifuge.
// The X-Player-ID header wins over the player query parameter, which exists
// for browsers that cannot set headers on a websocket upgrade.
func playerCredentialsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID := r.Header.Get(playerIDHeader)
		if playerID == "" {
			playerID = r.URL.Query().Get("player")
		}
		if playerID == "" {
			http.Error(w, "missing player identity", http.StatusBadRequest)
			return
		}
		if len(playerID) > maxPlayerIDLength {
			http.Error(w, "player identity too long", http.StatusBadRequest)
			return
		}

		cred := &centrifuge.Credentials{UserID: playerID}
		r = r.WithContext(centrifuge.SetCredentials(r.Context(), cred))

		next.ServeHTTP(w, r)
	})
}
