// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/apperr"
	"github.com/atlas-desktop/arena-backend/internal/data"
	"github.com/atlas-desktop/arena-backend/internal/leaderboard"
	"github.com/atlas-desktop/arena-backend/internal/observability"
	"github.com/atlas-desktop/arena-backend/internal/orchestrator"
	"github.com/atlas-desktop/arena-backend/internal/workers"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// UserHeader carries the caller identity set by the authenticating proxy.
const UserHeader = "X-User-ID"

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
	maxBodyBytes     = 32 << 20
)

// Deps are the collaborators the server routes requests to. Metrics may be
// nil.
type Deps struct {
	Orchestrator    *orchestrator.RoundOrchestrator
	Leaderboard     *leaderboard.Service
	DataStore       *data.Store
	Hub             *Hub
	Metrics         *observability.Metrics
	Pool            *workers.Pool
	DefaultSymbol   string
	BenchmarkSymbol string
	CORSOrigins     []string
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	quality    *data.QualityChecker
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		config:  config,
		deps:    deps,
		router:  mux.NewRouter(),
		quality: data.DefaultQualityChecker(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	r := s.router.PathPrefix("/api").Subrouter()
	r.Use(s.observe)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Rounds
	r.HandleFunc("/rounds", s.handleListRounds).Methods("GET")
	r.HandleFunc("/rounds", s.handleCreateRound).Methods("POST")
	r.HandleFunc("/rounds/{id}", s.handleGetRound).Methods("GET")
	r.HandleFunc("/rounds/{id}", s.handleDeleteRound).Methods("DELETE")
	r.HandleFunc("/rounds/{id}/start", s.handleStartRound).Methods("POST")
	r.HandleFunc("/rounds/{id}/status", s.handleRoundStatus).Methods("GET")
	r.HandleFunc("/rounds/{id}/stop", s.handleStopRound).Methods("POST")

	// Agents; "me" is registered before the {agentId} routes.
	r.HandleFunc("/rounds/{id}/agents", s.handleListAgents).Methods("GET")
	r.HandleFunc("/rounds/{id}/agents", s.handleUpsertAgent).Methods("POST")
	r.HandleFunc("/rounds/{id}/agents/me", s.handleGetMyAgent).Methods("GET")
	r.HandleFunc("/rounds/{id}/agents/me", s.handleDeleteMyAgent).Methods("DELETE")
	r.HandleFunc("/rounds/{id}/agents/{agentId}", s.handleGetAgent).Methods("GET")
	r.HandleFunc("/rounds/{id}/agents/{agentId}/results", s.handleAgentResults).Methods("GET")
	r.HandleFunc("/rounds/{id}/agents/{agentId}/trades/completed", s.handleCompletedTrades).Methods("GET")

	// Leaderboards
	r.HandleFunc("/rounds/{id}/leaderboard", s.handleRoundLeaderboard).Methods("GET")
	r.HandleFunc("/rounds/{id}/leaderboard/me", s.handleMyRoundRanking).Methods("GET")
	r.HandleFunc("/leaderboard/global", s.handleGlobalLeaderboard).Methods("GET")
	r.HandleFunc("/leaderboard/global/me", s.handleMyGlobalRanking).Methods("GET")

	// Users
	r.HandleFunc("/users/me", s.handleGetMe).Methods("GET")
	r.HandleFunc("/users/me", s.handleUpdateMe).Methods("PUT")

	// Market data
	r.HandleFunc("/market-data/status", s.handleMarketDataStatus).Methods("GET")
	r.HandleFunc("/market-data/datasets", s.handleListDatasets).Methods("GET")
	r.HandleFunc("/market-data/{symbol}/{interval}", s.handleImportBars).Methods("POST")
	r.HandleFunc("/market-data/{symbol}", s.handleDeleteSymbol).Methods("DELETE")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, apperr.NotFound("route not found"))
	})

	if s.deps.Metrics != nil && s.config.EnableMetrics {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	// WebSocket
	if s.deps.Hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.deps.Hub.ServeWS)
	}
}

// Router returns the bare router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped with the CORS policy.
func (s *Server) Handler() http.Handler {
	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: !slices.Contains(origins, "*"),
	}).Handler(s.router)
}

// Start starts the HTTP server; it blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the server and closes WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	if s.deps.Hub != nil {
		s.deps.Hub.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe records request metrics labelled by route template.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveHTTP(r.Method, route, rec.status, elapsed)
		}
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{
		Detail: apperr.Message(err),
		Kind:   apperr.KindOf(err).String(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.WrapInvalidConfig(err, "invalid request body")
	}
	return nil
}

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.InvalidConfig("%s must be a non-negative integer", name)
	}
	return n, nil
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":        "healthy",
		"time":          time.Now().Unix(),
		"active_rounds": s.deps.Orchestrator.ActiveRounds(),
	}
	if s.deps.Hub != nil {
		resp["ws_clients"] = s.deps.Hub.ClientCount()
	}
	if s.deps.Pool != nil {
		resp["workers"] = s.deps.Pool.Stats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	status := types.RoundStatus(strings.ToUpper(r.URL.Query().Get("status_filter")))

	rounds, err := s.deps.Orchestrator.ListRounds(r.Context(), status, skip, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rounds)
}

func (s *Server) handleCreateRound(w http.ResponseWriter, r *http.Request) {
	var req types.RoundCreate
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	round, err := s.deps.Orchestrator.CreateRound(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, round)
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.deps.Orchestrator.GetRound(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleDeleteRound(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Orchestrator.DeleteRound(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Orchestrator.Start(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleRoundStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Orchestrator.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStopRound(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Orchestrator.Stop(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Orchestrator.ListAgents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var req types.AgentCreate
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	agent, err := s.deps.Orchestrator.UpsertAgent(r.Context(), mux.Vars(r)["id"], callerID(r), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGetMyAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Orchestrator.GetMyAgent(r.Context(), mux.Vars(r)["id"], callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteMyAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Orchestrator.DeleteMyAgent(r.Context(), mux.Vars(r)["id"], callerID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	agent, err := s.deps.Orchestrator.GetAgent(r.Context(), vars["id"], vars["agentId"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentResults(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.deps.Orchestrator.GetAgentResult(r.Context(), vars["id"], vars["agentId"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCompletedTrades(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	trades, err := s.deps.Orchestrator.CompletedTrades(r.Context(), vars["id"], vars["agentId"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleRoundLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var ascending *bool
	if raw := q.Get("ascending"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, apperr.InvalidConfig("ascending must be true or false"))
			return
		}
		ascending = &v
	}
	lb, err := s.deps.Leaderboard.Round(r.Context(), mux.Vars(r)["id"], q.Get("sort_by"), ascending)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lb)
}

// rankedUser prefers an explicit user_id query parameter over the caller.
func rankedUser(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
		return id
	}
	return callerID(r)
}

func (s *Server) handleMyRoundRanking(w http.ResponseWriter, r *http.Request) {
	rank, err := s.deps.Leaderboard.UserRanking(r.Context(), mux.Vars(r)["id"], rankedUser(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rank)
}

func (s *Server) handleGlobalLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", leaderboard.DefaultGlobalLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	lb, err := s.deps.Leaderboard.Global(r.Context(), r.URL.Query().Get("sort_by"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lb)
}

func (s *Server) handleMyGlobalRanking(w http.ResponseWriter, r *http.Request) {
	rank, err := s.deps.Leaderboard.GlobalUserRanking(r.Context(), rankedUser(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rank)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.deps.Orchestrator.EnsureUser(r.Context(), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var upd types.UserUpdate
	if err := decodeBody(w, r, &upd); err != nil {
		s.writeError(w, err)
		return
	}
	user, err := s.deps.Orchestrator.UpdateUser(r.Context(), callerID(r), upd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleMarketDataStatus(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	if symbol == "" {
		symbol = s.deps.DefaultSymbol
	}
	s.writeJSON(w, http.StatusOK, s.deps.DataStore.Status(symbol, s.deps.BenchmarkSymbol))
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets := s.deps.DataStore.Datasets()
	total := 0
	for _, ds := range datasets {
		total += ds.TotalBars
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"datasets":   datasets,
		"count":      len(datasets),
		"total_bars": total,
	})
}

// importRequest is the body of a market-data import.
type importRequest struct {
	Bars []types.OHLCV `json:"bars"`
}

type importResponse struct {
	Dataset *types.MarketDataset `json:"dataset"`
	Quality *data.QualityReport  `json:"quality"`
}

func (s *Server) handleImportBars(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	interval := types.Timeframe(vars["interval"])
	if !slices.Contains(types.Timeframes, interval) {
		s.writeError(w, apperr.InvalidConfig("interval must be one of 1min, 5min, 15min, 30min, 1h"))
		return
	}

	var req importRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	report := s.quality.Check(req.Bars, interval)
	if !report.IsUsable {
		detail := "bars failed quality checks"
		if len(report.Issues) > 0 {
			first := report.Issues[0]
			detail = fmt.Sprintf("%s: bar %d: %s", detail, first.BarIndex, first.Message)
		}
		s.writeError(w, apperr.InvalidConfig("%s (%d critical issues)", detail, report.CriticalCount))
		return
	}

	ds, err := s.deps.DataStore.SaveBars(vars["symbol"], interval, req.Bars)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, importResponse{Dataset: ds, Quality: report})
}

func (s *Server) handleDeleteSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	n, err := s.deps.DataStore.DeleteSymbol(symbol)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if n == 0 {
		s.writeError(w, apperr.NotFound("no datasets stored for %s", strings.ToUpper(symbol)))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  strings.ToUpper(symbol),
		"deleted": n,
	})
}
