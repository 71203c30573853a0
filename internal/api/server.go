// Package api is a read-only HTTP surface over the running system: health,
// status, positions, risk posture, and the paper account, plus
// kill-switch trip and reset endpoints for operator use. It never calls into the
// trading path directly — only the same interfaces the Controller and Bus
// consumers use.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackforestdev/njord-quant/internal/contracts"
	"github.com/blackforestdev/njord-quant/internal/killswitch"
	"github.com/blackforestdev/njord-quant/internal/paper"
	"github.com/blackforestdev/njord-quant/internal/portfolio"
	"github.com/blackforestdev/njord-quant/internal/risk"
)

// PositionKey identifies one strategy/symbol pair the Portfolio Tracker
// tracks, enumerated by the caller since the Tracker has no listing method
// of its own.
type PositionKey struct {
	StrategyID string
	Symbol     string
}

// Server is a lightweight, read-mostly HTTP API over the running system.
type Server struct {
	httpServer *http.Server
	ks         *killswitch.Switch
	riskMgr    *risk.Manager
	paperSim   *paper.Simulator
	tracker    *portfolio.Tracker
	positions  []PositionKey
	startedAt  time.Time
	log        zerolog.Logger
}

// NewServer builds a Server bound to addr. paperSim may be nil when the
// system runs against a live broker rather than the paper account.
func NewServer(addr string, ks *killswitch.Switch, riskMgr *risk.Manager, paperSim *paper.Simulator, tracker *portfolio.Tracker, positions []PositionKey, log zerolog.Logger) *Server {
	s := &Server{
		ks:        ks,
		riskMgr:   riskMgr,
		paperSim:  paperSim,
		tracker:   tracker,
		positions: positions,
		startedAt: time.Now(),
		log:       log.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/risk", s.handleRisk)
	mux.HandleFunc("/api/paper", s.handlePaper)
	mux.HandleFunc("/api/kill-switch/trip", s.handleKillSwitchTrip)
	mux.HandleFunc("/api/kill-switch/reset", s.handleKillSwitchReset)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Addr returns the bound listen address, for building the controller
// entry's HealthURL.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start begins serving HTTP requests in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("api server listening")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("api server stopped")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GET /api/health — liveness probe, polled by the Controller itself when
// this entry's HealthURL is set.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"ok":       true,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

// GET /api/status — top-level trip/uptime summary.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"uptime_s": time.Since(s.startedAt).Seconds(),
	}
	if s.ks != nil {
		resp["tripped"] = s.ks.Tripped()
	}
	s.writeJSON(w, resp)
}

// GET /api/positions — net quantity and realized PnL per tracked
// strategy/symbol pair.
func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	if s.tracker == nil {
		s.writeJSON(w, map[string]interface{}{"positions": []contracts.PositionSnapshot{}})
		return
	}
	snapshots := make([]contracts.PositionSnapshot, 0, len(s.positions))
	for _, k := range s.positions {
		snap := s.tracker.Snapshot(k.StrategyID, k.Symbol)
		if snap.NetQty == 0 && snap.RealizedPnL == 0 {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	s.writeJSON(w, map[string]interface{}{"positions": snapshots})
}

// GET /api/risk — the Risk Engine's configured guard-chain tunables and
// current kill-switch state.
func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{}
	if s.riskMgr != nil {
		cfg := s.riskMgr.Config()
		resp["allowed_symbols"] = cfg.AllowedSymbols
		resp["rate_cap_per_strategy"] = cfg.RateCapPerStrategy
		resp["position_cap_usd"] = cfg.PositionCapUSD
		resp["live_micro_cap_usd"] = cfg.LiveMicroCapUSD
		resp["live"] = cfg.Live
	}
	if s.ks != nil {
		resp["tripped"] = s.ks.Tripped()
	}
	s.writeJSON(w, resp)
}

// GET /api/paper — the paper account's running balance, for paper-mode
// deployments; empty when the system runs against a live broker.
func (s *Server) handlePaper(w http.ResponseWriter, _ *http.Request) {
	if s.paperSim == nil {
		s.writeJSON(w, map[string]interface{}{"enabled": false})
		return
	}
	snap := s.paperSim.Snapshot()
	s.writeJSON(w, map[string]interface{}{
		"enabled":             true,
		"initial_balance_usd": snap.InitialBalanceUSD,
		"balance_usd":         snap.BalanceUSD,
		"fees_paid_usd":       snap.FeesPaidUSD,
		"total_volume_usd":    snap.TotalVolumeUSD,
		"total_fills":         snap.TotalFills,
	})
}

// POST /api/kill-switch/trip — manually halts trading.
func (s *Server) handleKillSwitchTrip(w http.ResponseWriter, r *http.Request) {
	s.handleKillSwitchOp(w, r, s.ks.Trip)
}

// POST /api/kill-switch/reset — manually resumes trading.
func (s *Server) handleKillSwitchReset(w http.ResponseWriter, r *http.Request) {
	s.handleKillSwitchOp(w, r, s.ks.Reset)
}

func (s *Server) handleKillSwitchOp(w http.ResponseWriter, r *http.Request, op func() error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ks == nil {
		http.Error(w, "kill-switch not configured", http.StatusServiceUnavailable)
		return
	}
	if err := op(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]interface{}{"tripped": s.ks.Tripped()})
}
