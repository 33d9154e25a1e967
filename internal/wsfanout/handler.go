package wsfanout

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/aiseohq/aiseo/internal/domain"
)

// upgrader performs the protocol upgrade. Origin checking is left to the
// reverse proxy in front of this service.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Claims is the token payload the handler accepts.
type Claims struct {
	TenantID string `json:"tenantId"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Handler upgrades and authenticates sockets, then hands them to the hub. The
// socket state machine is connecting → authenticating → active → closed; a
// failed authentication closes with policy violation (1008) immediately.
func Handler(hub *Hub, jwtSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			return
		}
		claims, err := authenticate(r, jwtSecret)
		if err != nil {
			slog.Warn("websocket auth failed",
				slog.String("remote_addr", r.RemoteAddr),
				slog.Any("error", err))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"))
			_ = conn.Close()
			return
		}
		c := &Client{
			hub:        hub,
			conn:       conn,
			send:       make(chan domain.Event, sendBufferSize),
			tenantID:   claims.TenantID,
			userID:     claims.Subject,
			remoteAddr: r.RemoteAddr,
		}
		c.run()
	}
}

// authenticate verifies the bearer token from the query string or the
// Authorization header and requires a tenant binding in its claims.
func authenticate(r *http.Request, secret string) (*Claims, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		h := r.Header.Get("Authorization")
		raw = strings.TrimPrefix(h, "Bearer ")
		if raw == h {
			raw = ""
		}
	}
	if raw == "" {
		return nil, fmt.Errorf("op=wsfanout.authenticate: missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=wsfanout.authenticate: %w", err)
	}
	if !token.Valid || claims.TenantID == "" {
		return nil, fmt.Errorf("op=wsfanout.authenticate: token lacks tenant binding")
	}
	return claims, nil
}
