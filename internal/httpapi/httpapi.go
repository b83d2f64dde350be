// Package httpapi is the HTTP/JSON + SSE front door (§6): a thin chi router
// exposing both pipelines end to end. Grounded on internal/server/server.go
// (teacher) for the chi + cors + middleware stack and the
// success/error-envelope JSON helpers; generalized from the teacher's single
// conversations/documents/messages surface into the full RAG
// (/api/query) and NL->SQL (/api/sql-chat/*) surface. The heavier
// auth/RBAC/session decorators spec.md calls out as external collaborators
// are represented only as a pass-through user id read off a request header.
package httpapi

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fabfab/notebook-core/internal/ragchat"
	"github.com/fabfab/notebook-core/internal/sqlchat"
)

// userIDHeader is the pass-through identity header read in place of the
// full auth/RBAC layer spec.md places out of scope.
const userIDHeader = "X-User-Id"

// Server wires HTTP handlers to the RAG and NL->SQL orchestrators.
type Server struct {
	router   http.Handler
	sqlChat  *sqlchat.Service
	model    string
	strategy string

	// ragMu serializes access to rag: the engine is a single-owner,
	// one-notebook-at-a-time session (matching the original's singleton
	// pipeline), so concurrent requests switching notebooks or chatting
	// must not interleave.
	ragMu sync.Mutex
	rag   *ragchat.Engine
}

// New constructs a Server with the provided dependencies. model and
// strategy are surfaced verbatim in /api/query's response metadata.
func New(rag *ragchat.Engine, sqlChat *sqlchat.Service, model, strategy string) *Server {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token", userIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{
		router:   mux,
		rag:      rag,
		sqlChat:  sqlChat,
		model:    model,
		strategy: strategy,
	}

	mux.Get("/api/health", s.handleHealth)
	mux.Post("/api/query", s.handleQuery)

	mux.Route("/api/sql-chat", func(r chi.Router) {
		r.Post("/connections", s.handleCreateConnection)
		r.Get("/connections", s.handleListConnections)
		r.Post("/connections/test", s.handleTestConnection)
		r.Post("/connections/parse-string", s.handleParseConnectionString)
		r.Delete("/connections/{id}", s.handleDeleteConnection)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/sessions/{id}/refresh-schema", s.handleRefreshSchema)

		r.Post("/query/{session_id}", s.handleQuerySession)
		r.Post("/query/{session_id}/stream", s.handleQuerySessionStream)

		r.Get("/history/{session_id}", s.handleHistory)
	})

	return s
}

// ServeHTTP exposes the router so Server satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userID(r *http.Request) string {
	if v := r.Header.Get(userIDHeader); v != "" {
		return v
	}
	return "anonymous"
}
