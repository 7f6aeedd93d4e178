package ws

import (
	"context"
	"log"
	"log/slog"
	"net/http"

	"chatter/internal/provider"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	DefaultFrameRate  = 50
	DefaultFrameBurst = 100
)

// verifier resolves a bearer token to a user id. *auth.Issuer satisfies it.
type verifier interface {
	Verify(token string) (string, error)
}

type Server struct {
	ctx      context.Context
	auth     verifier
	feed     subscriber
	presence provider.Ephemeral
	upgrader *websocket.Upgrader
	logger   *slog.Logger

	frameRate  rate.Limit
	frameBurst int
}

// NewServer creates the relay endpoint. Connections end when ctx is cancelled.
func NewServer(ctx context.Context, auth verifier, feed subscriber, presence provider.Ephemeral, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctx:      ctx,
		auth:     auth,
		feed:     feed,
		presence: presence,
		logger:   logger,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		frameRate:  DefaultFrameRate,
		frameBurst: DefaultFrameBurst,
	}
}

// RequestToken returns the bearer token from the token header or cookie.
func RequestToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.Verify(RequestToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	defer func() {
		if err := ws.Close(); err != nil {
			s.logger.Debug("error closing websocket", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	conn := NewConnection(s.feed, s.presence, ws, userID, rate.NewLimiter(s.frameRate, s.frameBurst), s.logger)
	if err := conn.Handle(ctx); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info("relay connection ended", "user_id", userID, "error", err)
	}
}
