// Package server is the thin HTTP transport over the agent runtime. Routes
// mirror the thread-management contract: chat, thread CRUD, message history,
// and a static health probe.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tanpawarit/chinook-data-agent/agent/runner"
	statex "github.com/tanpawarit/chinook-data-agent/agent/state"
)

// Agent is the runtime surface the transport needs.
type Agent interface {
	HandleTurn(ctx context.Context, threadID, text string) (runner.TurnReply, error)
	CreateThread(threadID, title string) (*statex.Session, bool, error)
	GetThread(threadID string) (*statex.Session, error)
	ListThreads(limit, offset int) ([]*statex.Session, int)
	DeleteThread(ctx context.Context, threadID string) error
}

type Config struct {
	Addr string `envconfig:"ADDR" split_words:"true" default:":8080"`
}

type Server struct {
	agent Agent
}

func New(agent Agent) *Server {
	return &Server{agent: agent}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors)

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Post("/chat", s.handleChat)
	r.Route("/threads", func(r chi.Router) {
		r.Post("/", s.handleCreateThread)
		r.Get("/", s.handleListThreads)
		r.Get("/{threadID}", s.handleGetThread)
		r.Get("/{threadID}/messages", s.handleThreadMessages)
		r.Delete("/{threadID}", s.handleDeleteThread)
	})
	return r
}

func NewHTTPServer(cfg Config, agent Agent) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           New(agent).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
