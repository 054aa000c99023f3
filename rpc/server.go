// Package rpc serves the read-only HTTP API: market snapshots, account
// positions, liquidity and reward balances. All mutation happens through
// the engines directly; the API never writes.
package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"clustercore/native/risk"
	"clustercore/observability"
)

// Server exposes ledger state over HTTP.
type Server struct {
	engine *risk.Engine
	log    *slog.Logger
	router chi.Router
}

// NewServer wires the routes over the risk engine's registry.
func NewServer(engine *risk.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{engine: engine, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.handleMarkets)
		r.Get("/markets/{market}", s.handleMarket)
		r.Get("/markets/{market}/accounts/{address}", s.handlePosition)
		r.Get("/accounts/{address}/liquidity", s.handleLiquidity)
		r.Get("/accounts/{address}/rewards", s.handleRewards)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler { return s.router }

// observe feeds request metrics with the matched route pattern so label
// cardinality stays bounded.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		observability.RPC().Observe(route, ww.Status(), time.Since(start))
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func parseAddress(r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
