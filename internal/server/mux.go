// Package server provides HTTP server construction for the diagnostics
// endpoint.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/ride-sync/internal/auth"
	"github.com/alexjbarnes/ride-sync/internal/realtime"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	TokenHash  string
	MCPHandler http.Handler
	Connection interface{ Status() realtime.Status }
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux. /healthz is open and reports the channel
// state. The MCP endpoint is protected by the bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Connection))

	authMiddleware := auth.Middleware(cfg.TokenHash, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

func handleHealth(conn interface{ Status() realtime.Status }) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]string{"status": "ok"}
		if conn != nil {
			body["connection"] = conn.Status().State.String()
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(body)
	}
}
