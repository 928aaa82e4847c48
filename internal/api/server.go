package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"positionscan/internal/config"
	"positionscan/internal/eventbus"
	"positionscan/internal/ingester"
	"positionscan/internal/market"
	"positionscan/internal/repository"
)

// StatusSource snapshots per-chain indexer progress for the status
// endpoint.
type StatusSource interface {
	Statuses() []ingester.ChainStatus
}

type Server struct {
	cfg        *config.Config
	repo       *repository.Repository
	status     StatusSource
	prices     *market.Source
	hub        *Hub
	httpServer *http.Server

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(cfg *config.Config, repo *repository.Repository, status StatusSource, prices *market.Source, bus *eventbus.Bus) *Server {
	s := &Server{
		cfg:    cfg,
		repo:   repo,
		status: status,
		prices: prices,
		hub:    newHub(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/positions", s.handleListPositions).Methods("GET")
	api.HandleFunc("/positions/{chain}/{tokenId}", s.handleGetPosition).Methods("GET")

	s.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.APIPort),
		Handler: r,
	}

	go s.hub.run()
	go s.hub.consume(bus)

	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus reports every chain's scan progress. The payload is
// cheap but hot, so it is cached for a few seconds.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	payload, err := s.buildStatusPayload(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(5 * time.Second)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) buildStatusPayload(ctx context.Context) ([]byte, error) {
	chains := s.status.Statuses()

	watermarks, err := s.repo.AllWatermarks(ctx)
	if err != nil {
		watermarks = nil
	}
	persisted := make(map[string]uint64, len(watermarks))
	for _, wm := range watermarks {
		persisted[string(wm.Chain)] = wm.LastProcessedHeight
	}

	resp := map[string]interface{}{
		"status":               "ok",
		"chains":               chains,
		"persisted_watermarks": persisted,
		"generated_at":         time.Now().UTC().Format(time.RFC3339),
	}
	return json.Marshal(resp)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
