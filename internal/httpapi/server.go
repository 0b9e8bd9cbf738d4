// Package httpapi binds internal/control's transport-agnostic operations to
// an HTTP/WS surface: a chi router for the JSON API, gorilla/websocket for
// the streaming output/input endpoint.
package httpapi

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vibetunnel/termd/internal/config"
	"github.com/vibetunnel/termd/internal/control"
)

type Server struct {
	cfg    *config.Config
	plane  *control.Plane
	router *chi.Mux
	server *http.Server
}

func New(cfg *config.Config, plane *control.Plane) *Server {
	s := &Server{cfg: cfg, plane: plane, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ws/sessions" || (len(r.URL.Path) >= len("/ws/sessions/") && r.URL.Path[:len("/ws/sessions/")] == "/ws/sessions/") {
				next.ServeHTTP(w, r)
				return
			}
			middleware.Timeout(timeout)(next).ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(timeoutMiddleware(60 * time.Second))
	s.router.Use(s.authMiddleware)

	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	s.router.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleRemove)
		r.Post("/{id}/kill", s.handleKill)
		r.Post("/{id}/input", s.handleInput)
		r.Post("/{id}/resize", s.handleResize)
		r.Post("/{id}/status", s.handleSetStatus)
		r.Get("/{id}/recording", s.handleTailRecording)
	})

	s.router.Get("/ws/sessions/{id}", s.handleSessionWS)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(token) <= len(prefix) || token[:len(prefix)] != prefix || token[len(prefix):] != s.cfg.Server.AuthToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindAddress, s.cfg.Server.Port)
	s.server = &http.Server{Addr: addr, Handler: s.router}
	log.Printf("[INFO] termd control plane listening on http://%s", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
