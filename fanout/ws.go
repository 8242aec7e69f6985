package fanout

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/moonfleet/moonfleet/moonbot"
)

var errNoUserClaim = errors.New("fanout: token has no uid claim")

// Handler upgrades /ws requests after validating the caller's token.
type Handler struct {
	manager  *Manager
	secret   []byte
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(manager *Manager, secret []byte, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager: manager,
		secret:  secret,
		logger:  logger.WithGroup("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin is handled by the HTTP middleware layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Debug("ws auth rejected", slog.Any("err", err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("ws upgrade failed", slog.Any("err", err))
		return
	}

	connID := h.manager.Register(userID, ws)
	h.logger.Info("ws connected",
		slog.Int64("user_id", int64(userID)),
		slog.String("conn_id", connID.String()),
	)
}

// authenticate validates an HS256 token and extracts the uid claim.
func (h *Handler) authenticate(token string) (moonbot.UserID, error) {
	if token == "" {
		return 0, errors.New("fanout: missing token")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return h.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("fanout: parse token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errNoUserClaim
	}
	uid, ok := claims["uid"].(float64)
	if !ok {
		return 0, errNoUserClaim
	}
	return moonbot.UserID(uid), nil
}
