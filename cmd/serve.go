package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/theapemachine/asap-go/pkg/auth"
	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/metering"
	"github.com/theapemachine/asap-go/pkg/registry"
	"github.com/theapemachine/asap-go/pkg/service"
	"github.com/theapemachine/asap-go/pkg/validation"
)

var (
	portFlag         int
	hostFlag         string
	rateLimitFlag    float64
	requireNonceFlag bool
	meteringFlag     string
	meteringPathFlag string
	jwtSecretFlag    string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve an ASAP agent",
		Long:  longServe,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Port to serve on")
	serveCmd.Flags().StringVarP(&hostFlag, "host", "H", "", "Host address to bind to")
	serveCmd.Flags().Float64Var(&rateLimitFlag, "rate-limit", 0, "Global request rate limit per second")
	serveCmd.Flags().BoolVar(&requireNonceFlag, "require-nonce", false, "Require a replay-protection nonce on every envelope")
	serveCmd.Flags().StringVar(&meteringFlag, "metering-store", "", "Metering backend: memory or badger")
	serveCmd.Flags().StringVar(&meteringPathFlag, "metering-path", "", "Directory for the badger metering store")
	serveCmd.Flags().StringVar(&jwtSecretFlag, "jwt-secret", os.Getenv("ASAP_JWT_SECRET"), "HMAC secret enabling bearer authentication")
}

func runServe(ctx context.Context) error {
	v := viper.GetViper()

	host := hostFlag
	if host == "" {
		host = v.GetString("server.host")
	}
	port := portFlag
	if port == 0 {
		port = v.GetInt("server.port")
	}
	rateLimit := rateLimitFlag
	if rateLimit == 0 {
		rateLimit = v.GetFloat64("server.rate_limit")
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	manifest := manifestFromConfig(addr)
	if jwtSecretFlag != "" {
		manifest.Auth = &envelope.AuthSchemes{Schemes: []string{"bearer"}}
	}

	store, err := buildMeteringStore()
	if err != nil {
		return err
	}

	reg := registry.NewRegistry(registry.DefaultMaxWorkers)
	reg.Register(envelope.TypeTaskRequest, registry.Metered(registry.EchoHandler(), store))

	nonces := validation.NewMemoryNonceStore(validation.DefaultMaxEnvelopeAge)
	defer nonces.Close()

	cfg := service.Config{
		Manifest: manifest,
		Registry: reg,
		Validation: validation.NewPipeline(validation.Config{
			RequireNonce: requireNonceFlag || v.GetBool("server.require_nonce"),
		}, nonces),
		Metering:          store,
		RequestsPerSecond: rateLimit,
		MaxRequestSize:    v.GetInt64("server.max_request_size"),
		WSMessageRate:     v.GetFloat64("server.ws_message_rate"),
		SLADeadline:       time.Duration(v.GetInt("server.sla_deadline_ms")) * time.Millisecond,
	}
	if jwtSecretFlag != "" {
		cfg.Validator = auth.NewJWTValidator([]byte(jwtSecretFlag))
	}

	srv, err := service.NewServer(cfg)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", addr, "agent", manifest.ID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("runtime shutdown failed", "error", err)
	}
	return httpServer.Shutdown(shutdownCtx)
}

// manifestFromConfig assembles the served manifest from the agent section of
// the config file.
func manifestFromConfig(addr string) *envelope.Manifest {
	v := viper.GetViper()

	name := v.GetString("agent.name")
	manifest := &envelope.Manifest{
		ID:          "urn:asap:agent:" + name,
		Version:     v.GetString("agent.version"),
		Name:        name,
		Description: v.GetString("agent.description"),
		Capabilities: envelope.Capabilities{
			ProtocolVersion: envelope.Version,
		},
		Endpoints: envelope.Endpoints{
			ASAP: fmt.Sprintf("http://%s/asap", addr),
		},
	}

	var skills []envelope.Skill
	if err := v.UnmarshalKey("agent.skills", &skills); err != nil {
		log.Warn("failed to parse agent.skills", "error", err)
	}
	manifest.Capabilities.Skills = skills
	return manifest
}

func buildMeteringStore() (metering.Store, error) {
	v := viper.GetViper()

	backend := meteringFlag
	if backend == "" {
		backend = v.GetString("metering.store")
	}
	ttl := time.Duration(v.GetInt("metering.retention_hours")) * time.Hour

	switch backend {
	case "", "memory":
		return metering.NewMemoryStore(ttl), nil
	case "badger":
		dir := meteringPathFlag
		if dir == "" {
			dir = v.GetString("metering.path")
		}
		if strings.HasPrefix(dir, "~/") {
			home, _ := os.UserHomeDir()
			dir = filepath.Join(home, dir[2:])
		}
		return metering.NewBadgerStore(dir, ttl)
	default:
		return nil, fmt.Errorf("unknown metering store %q: want memory or badger", backend)
	}
}

var longServe = `
Serve an ASAP agent with the built-in echo skill.

Examples:
  # Serve on port 8080 with the in-memory metering store
  asap-go serve --port 8080

  # Persist usage data across restarts
  asap-go serve --metering-store badger --metering-path ~/.asap-go/usage

  # Require bearer tokens signed with a shared secret
  ASAP_JWT_SECRET=s3cret asap-go serve
`
