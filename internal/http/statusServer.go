package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"courier/internal/api"
)

// StatusServer serves the local status API. It is meant to listen on a
// loopback address only.
type StatusServer struct {
	server *http.Server
	wg     sync.WaitGroup
	log    *slog.Logger
}

func NewStatusServer(handlers *api.API, addr string, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", handlers.StatusHandler)
	mux.HandleFunc("GET /api/queue", handlers.QueueHandler)
	mux.HandleFunc("POST /api/queue/retry", api.RequireSameOrigin(handlers.RetryHandler))
	mux.HandleFunc("POST /api/queue/clear", api.RequireSameOrigin(handlers.ClearHandler))
	mux.HandleFunc("POST /api/sync", api.RequireSameOrigin(handlers.SyncHandler))
	mux.HandleFunc("GET /api/messages", handlers.MessagesHandler)
	mux.HandleFunc("POST /api/messages", api.RequireSameOrigin(handlers.SendHandler))
	mux.HandleFunc("GET /api/messages/changes", handlers.ChangesHandler)
	mux.HandleFunc("PATCH /api/messages/{id}", api.RequireSameOrigin(handlers.EditHandler))
	mux.HandleFunc("DELETE /api/messages/{id}", api.RequireSameOrigin(handlers.DeleteHandler))
	mux.HandleFunc("POST /api/messages/{id}/reactions", api.RequireSameOrigin(handlers.AddReactionHandler))
	mux.HandleFunc("DELETE /api/messages/{id}/reactions/{emoji}", api.RequireSameOrigin(handlers.RemoveReactionHandler))
	mux.HandleFunc("POST /api/messages/{id}/read", api.RequireSameOrigin(handlers.ReadHandler))
	mux.HandleFunc("GET /api/messages/{id}/delivery", handlers.DeliveryHandler)
	mux.HandleFunc("GET /api/presence", handlers.PresenceHandler)
	mux.HandleFunc("POST /api/presence", api.RequireSameOrigin(handlers.SetPresenceHandler))
	mux.HandleFunc("POST /api/presence/subscriptions", api.RequireSameOrigin(handlers.SubscribePresenceHandler))
	mux.HandleFunc("DELETE /api/presence/subscriptions", api.RequireSameOrigin(handlers.UnsubscribePresenceHandler))
	mux.HandleFunc("GET /api/typing", handlers.TypingHandler)
	mux.HandleFunc("POST /api/typing", api.RequireSameOrigin(handlers.InputHandler))
	mux.HandleFunc("GET /api/settings", handlers.SettingsHandler)
	mux.HandleFunc("POST /api/settings", api.RequireSameOrigin(handlers.UpdateSettingsHandler))
	mux.HandleFunc("GET /api/settings/conflict", handlers.ConflictHandler)
	mux.HandleFunc("POST /api/settings/resolve", api.RequireSameOrigin(handlers.ResolveHandler))

	if addr == "" {
		addr = "localhost:8091"
	}

	return &StatusServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: logger,
	}
}

func (s *StatusServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *StatusServer) Serve(ln net.Listener) error {
	s.log.Info("status API started", "addr", ln.Addr().String())
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
