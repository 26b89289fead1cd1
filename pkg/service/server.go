package service

// Server bundles the manifest, handler registry, validation pipeline and
// optional auth/metering into one mountable HTTP surface. Callers create
// the server and mount Handlers() on their preferred mux, which keeps
// protocol concerns decoupled from HTTP routing frameworks.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/theapemachine/asap-go/pkg/auth"
	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/metering"
	"github.com/theapemachine/asap-go/pkg/metrics"
	"github.com/theapemachine/asap-go/pkg/registry"
	"github.com/theapemachine/asap-go/pkg/validation"
)

const DefaultMaxRequestSize = int64(10 << 20)

// Config assembles a Server. Manifest and Registry are required; everything
// else degrades gracefully when absent.
type Config struct {
	Manifest   *envelope.Manifest
	Registry   *registry.Registry
	Validation *validation.Pipeline

	// Validator must be set when the manifest advertises the bearer
	// scheme.
	Validator auth.TokenValidator

	// Metering enables the /usage surface when set.
	Metering metering.Store

	Metrics *metrics.Collector

	// RequestsPerSecond caps the global inbound rate; 0 disables the
	// limiter.
	RequestsPerSecond float64
	MaxRequestSize    int64

	// WSMessageRate is the per-connection inbound message budget in
	// messages per second.
	WSMessageRate     float64
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration

	// SLADeadline marks dispatches slower than this as SLA breaches,
	// pushed to sla.subscribe subscribers. 0 disables breach detection.
	SLADeadline time.Duration

	// Debug exposes handler error details in JSON-RPC error data.
	Debug bool
}

type Server struct {
	cfg     Config
	metrics *metrics.Collector
	limiter *rate.Limiter

	manifestBody []byte
	manifestETag string

	ws  *wsRegistry
	sla *metrics.SLATracker
}

// NewServer validates the configuration and prepares the server. The
// manifest body is marshalled once so discovery requests never re-encode.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("server requires a manifest")
	}
	if err := cfg.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("server requires a handler registry")
	}
	if cfg.Manifest.SupportsScheme("bearer") && cfg.Validator == nil {
		return nil, fmt.Errorf("manifest advertises bearer auth but no token validator was supplied")
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = DefaultMaxRequestSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}

	body, err := json.Marshal(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)

	s := &Server{
		cfg:          cfg,
		metrics:      cfg.Metrics,
		manifestBody: body,
		manifestETag: `"` + hex.EncodeToString(sum[:8]) + `"`,
		ws:           newWSRegistry(),
		sla:          metrics.NewSLATracker(cfg.SLADeadline),
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}
	return s, nil
}

/*
Handlers returns the path → handler map to be mounted by the host
application. The /usage surface only appears when a metering store is
configured, so unmounted usage paths 404 naturally.
*/
func (s *Server) Handlers() map[string]http.Handler {
	handlers := map[string]http.Handler{
		"/asap":                        http.HandlerFunc(s.handleASAP),
		"/asap/ws":                     http.HandlerFunc(s.handleWS),
		"/asap/metrics":                s.metrics.Handler(),
		envelope.WellKnownManifestPath: http.HandlerFunc(s.handleManifest),
		"/health":                      http.HandlerFunc(s.handleHealth),
		"/ready":                       http.HandlerFunc(s.handleHealth),
	}
	if s.cfg.Metering != nil {
		handlers["/usage"] = http.HandlerFunc(s.handleUsage)
		handlers["/usage/"] = http.HandlerFunc(s.handleUsage)
	}
	return handlers
}

// Mux mounts all handlers on a fresh ServeMux.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	for path, handler := range s.Handlers() {
		mux.Handle(path, handler)
	}
	return mux
}

// Shutdown drains WebSocket connections gracefully and closes the metering
// store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.closeAll()

	if s.cfg.Metering != nil {
		if err := s.cfg.Metering.Close(); err != nil {
			log.Error("failed to close metering store", "error", err)
			return err
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleManifest serves discovery with a content-derived ETag so polling
// clients revalidate cheaply.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("ETag", s.manifestETag)

	if r.Header.Get("If-None-Match") == s.manifestETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(s.manifestBody)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug("failed to write response", "error", err)
	}
}
