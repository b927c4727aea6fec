// Package server wires voxgate together behind one HTTP server: the
// WebSocket gateway plus a small JSON API for health, capacity, and
// transcripts.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voxalab/voxgate/internal/admission"
	"github.com/voxalab/voxgate/internal/cachemaint"
	"github.com/voxalab/voxgate/internal/config"
	"github.com/voxalab/voxgate/internal/engine"
	"github.com/voxalab/voxgate/internal/gateway"
	"github.com/voxalab/voxgate/internal/orchestrator"
	"github.com/voxalab/voxgate/internal/session"
	"github.com/voxalab/voxgate/internal/tokenbudget"
	"github.com/voxalab/voxgate/internal/tokenizer"
	"github.com/voxalab/voxgate/internal/transcript"
)

// Server is the voxgate HTTP server.
type Server struct {
	config     *config.Config
	store      *session.Store
	gate       *admission.Gate
	maint      *cachemaint.Maintainer
	transcript *transcript.Store // nil if the journal could not be opened
	gateway    *gateway.Gateway
	router     chi.Router
}

// New creates a Server with all dependencies.
func New(cfg *config.Config) (*Server, error) {
	chatEng := buildChatEngine(cfg)
	toolEng := buildToolEngine(cfg)

	store := session.NewStore(session.StoreConfig{
		TTL:                cfg.SessionTTL,
		PromptUpdateLimit:  cfg.PromptUpdateLimit,
		PromptUpdateWindow: cfg.PromptUpdateWindow,
	})
	gate := admission.NewGate(cfg.MaxConnections, cfg.AcquireTimeout)
	maint := cachemaint.New(chatEng, cfg.CacheResetInterval)

	// The journal is best-effort: a broken data dir degrades durability,
	// not availability.
	var journal orchestrator.Journal
	ts, err := transcript.Open(cfg.TranscriptPath)
	if err != nil {
		log.Printf("Warning: transcript journal disabled: %v", err)
		ts = nil
	} else {
		journal = ts
	}

	// No external tokenizer service is wired yet; the heuristic matches the
	// trimming contract and keeps budgets enforceable.
	chatBudget := tokenbudget.New(tokenizer.NewHeuristic())
	toolBudget := tokenbudget.New(tokenizer.NewHeuristic())

	orch := orchestrator.New(
		orchestrator.Config{
			Mode:               cfg.Mode,
			ToolTimeout:        cfg.ToolTimeout,
			GenTimeout:         cfg.GenTimeout,
			PrebufferMaxChars:  cfg.PrebufferMaxChars,
			HistoryBudget:      cfg.HistoryBudget,
			ToolHistoryBudget:  cfg.ToolHistoryBudget,
			ToolHistorySepCost: cfg.ToolHistorySepCost,
		},
		orchestrator.Deps{
			Store:      store,
			ChatEngine: chatEng,
			ToolEngine: toolEng,
			ChatBudget: chatBudget,
			ToolBudget: toolBudget,
			Journal:    journal,
		},
	)

	gw := gateway.New(
		gateway.Config{
			AuthToken:     cfg.AuthToken,
			IdleTimeout:   cfg.IdleTimeout,
			WatchdogTick:  cfg.WatchdogTick,
			MessageLimit:  cfg.MessageLimit,
			MessageWindow: cfg.MessageWindow,
			CancelLimit:   cfg.CancelLimit,
			CancelWindow:  cfg.CancelWindow,
		},
		gateway.Deps{
			Store:        store,
			Gate:         gate,
			Orchestrator: orch,
			Maintainer:   maint,
			ChatEngine:   chatEng,
			ToolEngine:   toolEng,
			ChatBudget:   chatBudget,
		},
	)

	s := &Server{
		config:     cfg,
		store:      store,
		gate:       gate,
		maint:      maint,
		transcript: ts,
		gateway:    gw,
	}
	s.router = s.buildRouter()
	return s, nil
}

func buildChatEngine(cfg *config.Config) engine.Engine {
	if cfg.ChatEngineURL == "" {
		log.Println("No chat engine URL configured, using built-in mock engine")
		return &engine.Mock{}
	}
	return engine.NewHTTPEngine(engine.HTTPOptions{
		BaseURL:     cfg.ChatEngineURL,
		Model:       cfg.ChatModel,
		APIKey:      cfg.ChatAPIKey,
		CacheResets: true,
	})
}

func buildToolEngine(cfg *config.Config) engine.Engine {
	if cfg.ToolEngineURL == "" {
		if cfg.ChatEngineURL == "" {
			// Demo mode: a scripted classifier that always says no.
			return &engine.Mock{Script: []string{"[]"}}
		}
		return nil
	}
	return engine.NewHTTPEngine(engine.HTTPOptions{
		BaseURL: cfg.ToolEngineURL,
		Model:   cfg.ToolModel,
		APIKey:  cfg.ToolAPIKey,
	})
}

// Start starts the HTTP server and the cache-maintenance daemon, shutting
// both down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.maint.Run(ctx)

	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("voxgate listening on %s (mode %s)", s.config.ServerAddr, s.config.Mode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	if s.transcript != nil {
		return s.transcript.Close()
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Long-lived by design, so no request timeout here.
	r.Get("/ws", s.gateway.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})

		r.Route("/api", func(r chi.Router) {
			r.Get("/capacity", s.handleCapacity)
			r.Get("/sessions/{id}/transcript", s.handleTranscript)
		})
	})

	return r
}

// --- Response types ---

type capacityResponse struct {
	Active    int `json:"active"`
	Max       int `json:"max"`
	Available int `json:"available"`
	Sessions  int `json:"sessions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	active, max := s.gate.Capacity()
	writeJSON(w, http.StatusOK, capacityResponse{
		Active:    active,
		Max:       max,
		Available: max - active,
		Sessions:  s.store.Count(),
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcript == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript journal disabled")
		return
	}
	id := chi.URLParam(r, "id")
	turns, err := s.transcript.Turns(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read transcript")
		log.Printf("Error reading transcript for %s: %v", id, err)
		return
	}
	if len(turns) == 0 && !s.store.Exists(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if turns == nil {
		turns = []transcript.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
