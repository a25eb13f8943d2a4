package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"pastebook/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}
type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
	Files    string `json:"files"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready fails only when the database is down. A failing cache or object
// store marks the instance degraded.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Database: "up"}
	if err := ping(ctx, s.db); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		resp.Database = "down"
		resp.Ready = false
	}
	resp.Cache = s.check(ctx, "cache", s.cache, &resp)
	resp.Files = s.check(ctx, "files", s.blobs, &resp)
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
func (s *Server) check(ctx context.Context, name string, p Pinger, resp *ReadyResponse) string {
	if p == nil {
		return "unavailable"
	}
	if err := ping(ctx, p); err != nil {
		util.Warn().Err(err).Str("dependency", name).Msg("health check failed")
		resp.Degraded = true
		return "down"
	}
	return "up"
}
func ping(ctx context.Context, p Pinger) error {
	pctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return p.Ping(pctx)
}
