package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"chatter/internal/api"
	"chatter/internal/auth"
	"chatter/internal/storage"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(authService *auth.Issuer, storage *storage.BboltStorage, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, storage)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("GET /admin/users", adminHandler.UsersHandler)
	mux.HandleFunc("POST /admin/users/{id}/token", adminHandler.TokenHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
