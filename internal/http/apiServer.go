package http

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"sync"

	"chatter/internal/api"
	"chatter/internal/auth"
	"chatter/internal/filestore"
	"chatter/internal/provider"
	"chatter/internal/storage"
	"chatter/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAPIServer wires the REST endpoints and the realtime relay. Relay
// connections end when ctx is cancelled.
func NewAPIServer(ctx context.Context, authService *auth.Issuer, presence provider.Ephemeral, files filestore.FileStore, storage *storage.BboltStorage, addr string, logger *slog.Logger) *APIServer {
	server := ws.NewServer(ctx, authService, storage.Feed(), presence, logger)
	apiHandlers := api.New(authService, storage, files)

	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("PATCH /api/users/me/presence", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PresenceHandler)))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/users/{id}", apiHandlers.RequireAuth(apiHandlers.UserHandler))
	mux.HandleFunc("GET /api/peers/{kind}", apiHandlers.RequireAuth(apiHandlers.PeersHandler))

	mux.HandleFunc("GET /api/channels", apiHandlers.RequireAuth(apiHandlers.ChannelsHandler))
	mux.HandleFunc("POST /api/channels", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.CreateChannelHandler)))
	mux.HandleFunc("PATCH /api/channels/{id}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.RenameChannelHandler)))
	mux.HandleFunc("DELETE /api/channels/{id}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.DeleteChannelHandler)))
	mux.HandleFunc("GET /api/channels/{id}/members", apiHandlers.RequireAuth(apiHandlers.MembersHandler))
	mux.HandleFunc("POST /api/channels/{id}/members", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.AddMemberHandler)))
	mux.HandleFunc("DELETE /api/channels/{id}/members/{userID}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.RemoveMemberHandler)))

	mux.HandleFunc("GET /api/dms", apiHandlers.RequireAuth(apiHandlers.DMsHandler))
	mux.HandleFunc("POST /api/dms", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.CreateDMHandler)))

	mux.HandleFunc("GET /api/conversations/{key}/messages", apiHandlers.RequireAuth(apiHandlers.ConversationMessagesHandler))
	mux.HandleFunc("POST /api/messages", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PostMessageHandler)))
	mux.HandleFunc("GET /api/messages/{id}", apiHandlers.RequireAuth(apiHandlers.GetMessageHandler))
	mux.HandleFunc("PATCH /api/messages/{id}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.EditMessageHandler)))
	mux.HandleFunc("DELETE /api/messages/{id}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.DeleteMessageHandler)))
	mux.HandleFunc("GET /api/messages/{id}/reactions", apiHandlers.RequireAuth(apiHandlers.ReactionsHandler))
	mux.HandleFunc("POST /api/messages/{id}/reactions", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.ToggleReactionHandler)))
	mux.HandleFunc("POST /api/messages/{id}/attachments", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.AttachHandler)))

	mux.HandleFunc("GET /api/attachments/{id}", apiHandlers.RequireAuth(apiHandlers.GetAttachmentHandler))
	mux.HandleFunc("DELETE /api/attachments/{id}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.DeleteAttachmentHandler)))
	mux.HandleFunc("POST /api/files", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UploadFileHandler)))
	mux.HandleFunc("GET /api/files/{id}", apiHandlers.RequireAuth(NewFileServerHandler(storage, files)))

	// WebSocket endpoint
	mux.HandleFunc("/api/realtime", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
