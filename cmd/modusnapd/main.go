package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"modusnapd/internal/backend"
	"modusnapd/internal/config"
	"modusnapd/internal/control"
	"modusnapd/internal/engine"
	"modusnapd/internal/httpapi"
)

func main() {
	// Flags with environment variable defaults
	defaultAddr := ":3001"
	if v := os.Getenv("MODUSNAP_ADDR"); v != "" {
		defaultAddr = v
	}
	defaultEngine := engine.DefaultBaseURL
	if v := os.Getenv("MODUSNAP_ENGINE_URL"); v != "" {
		defaultEngine = v
	}
	addr := flag.String("addr", defaultAddr, "HTTP listen address, e.g. :3001")
	engineURL := flag.String("engine-url", defaultEngine, "Base URL of the engine HTTP API")
	backendDir := flag.String("backend-dir", "", "Engine directory (overrides discovery)")
	startScript := flag.String("start-script", "./start.sh", "Workspace script used for detached engine starts")
	configPath := flag.String("config", "", "Optional config file (.yaml/.json/.toml)")
	requireKey := flag.Bool("require-api-key", false, "Require an API key on every API route")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Str("svc", "modusnapd").Logger()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
		}
		if cfg.Addr != "" {
			*addr = cfg.Addr
		}
		if cfg.EngineURL != "" {
			*engineURL = cfg.EngineURL
		}
		if cfg.BackendDir != "" {
			*backendDir = cfg.BackendDir
		}
		if cfg.StartScript != "" {
			*startScript = cfg.StartScript
		}
		if cfg.RequireAPIKey {
			*requireKey = true
		}
		if cfg.CORSEnabled {
			httpapi.SetCORSOptions(true, cfg.CORSOrigins,
				[]string{"GET", "POST", "DELETE"}, []string{"Authorization", "X-Api-Key", "Content-Type"})
		}
	}

	loc, err := backend.Locate(*backendDir)
	if err != nil {
		log.Fatal().Err(err).Msg("engine directory not found")
	}
	log.Info().Str("backend", loc.BackendDir).Str("engine", *engineURL).Msg("backend resolved")

	client := engine.New(*engineURL, os.Getenv("MODUSNAP_ENGINE_API_KEY"))
	svc := control.New(loc, client, *startScript, log)

	// Marker watcher keeps diagnostics honest when the bootstrap rewrites the
	// profile while we run.
	if stop, err := svc.Diag.WatchMarkers(loc); err != nil {
		log.Warn().Err(err).Msg("marker watcher unavailable")
	} else {
		defer stop()
	}

	keys := httpapi.NewKeyStore(filepath.Join(loc.UserDir, httpapi.KeysFile))

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetLogger(log)

	mux := httpapi.NewMux(svc, keys, *requireKey)
	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		log.Info().Str("addr", *addr).Msg("modusnapd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown error")
	}
}
