package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/chat"
	"chatd/internal/common/fsutil"
	"chatd/internal/config"
	"chatd/internal/download"
	"chatd/internal/httpapi"
	"chatd/internal/manager"
	"chatd/internal/metadata"
	"chatd/internal/registry"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Flags with environment variable defaults
	addr := flag.String("addr", envOr("CHATD_ADDR", ":8090"), "HTTP listen address, e.g. :8090")
	modelsDir := flag.String("models-dir", envOr("CHATD_MODELS_DIR", "~/models/llm"), "Directory holding *.gguf model artifacts")
	metadataPath := flag.String("metadata-path", envOr("CHATD_METADATA_PATH", ""), "Path of the artifact metadata file (default: <models-dir>/artifacts.json)")
	catalogURL := flag.String("catalog-url", envOr("CHATD_CATALOG_URL", "https://catalog.chatd.dev"), "Base URL of the remote model catalog")
	engineURL := flag.String("engine-url", envOr("CHATD_ENGINE_URL", ""), "llama.cpp server base URL; empty uses the in-process engine")
	engineKey := flag.String("engine-key", envOr("CHATD_ENGINE_KEY", ""), "API key for the engine server, if any")
	systemPrompt := flag.String("system-prompt", envOr("CHATD_SYSTEM_PROMPT", "You are a helpful assistant."), "System prompt seeding every conversation")
	maxTokens := flag.Int("max-tokens", 1024, "Default generation cap when a request omits max_tokens")
	ctxSize := flag.Int("ctx-size", 4096, "Context window for the in-process engine")
	threads := flag.Int("threads", 0, "CPU threads for the in-process engine (0=auto)")
	configPath := flag.String("config", envOr("CHATD_CONFIG", ""), "Optional config file (.yaml/.json/.toml); flags override it")
	logLevel := flag.String("log-level", envOr("CHATD_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	corsOrigins := flag.String("cors-origins", envOr("CHATD_CORS_ORIGINS", ""), "Comma-separated allowed CORS origins; empty disables CORS")
	flag.Parse()

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			zl.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
		// A file value applies only where the flag kept its default.
		applyConfig(cfg, map[string]*string{
			"addr": addr, "models-dir": modelsDir, "metadata-path": metadataPath,
			"catalog-url": catalogURL, "engine-url": engineURL, "system-prompt": systemPrompt,
		}, maxTokens)
	}
	if *metadataPath == "" {
		*metadataPath = filepath.Join(*modelsDir, "artifacts.json")
	}
	metaPath, err := fsutil.ExpandHome(*metadataPath)
	if err != nil {
		zl.Fatal().Err(err).Msg("resolve metadata path")
	}

	store := metadata.Open(metaPath, zl)
	if err := registry.NewReconciler(*modelsDir, zl).Run(store); err != nil {
		zl.Warn().Err(err).Str("dir", *modelsDir).Msg("artifact reconcile failed")
	}

	var adapter manager.EngineAdapter
	if *engineURL != "" {
		adapter = manager.NewServerAdapter(*engineURL, *engineKey, 30*time.Second)
	} else {
		adapter = manager.NewLlamaAdapter(*ctxSize, *threads)
	}
	sessions := manager.New(*modelsDir, adapter, zl)
	sessions.SetPublisher(manager.NewMemoryPublisher())

	server := httpapi.NewServer(httpapi.Options{
		Store:            store,
		Coordinator:      download.NewCoordinator(*modelsDir, zl),
		Catalog:          download.NewHTTPCatalog(*catalogURL),
		Sessions:         sessions,
		Conversation:     chat.NewLog(*systemPrompt),
		ModelsDir:        *modelsDir,
		DefaultMaxTokens: *maxTokens,
	})

	httpapi.SetLogger(zl)
	if *corsOrigins != "" {
		httpapi.SetCORSOptions(true, splitCSV(*corsOrigins),
			[]string{"GET", "POST", "DELETE", "OPTIONS"},
			[]string{"Accept", "Content-Type", "X-Log-Level"})
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{Addr: *addr, Handler: httpapi.NewMux(server)}
	go func() {
		zl.Info().Str("addr", *addr).Str("models_dir", *modelsDir).Msg("chatd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancelBase() // stops in-flight NDJSON streams
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zl.Warn().Err(err).Msg("graceful shutdown error")
	}
	sessions.Unload()
}

// applyConfig copies file values into flags the user did not set explicitly.
func applyConfig(cfg config.Config, strFlags map[string]*string, maxTokens *int) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	fileVals := map[string]string{
		"addr": cfg.Addr, "models-dir": cfg.ModelsDir, "metadata-path": cfg.MetadataPath,
		"catalog-url": cfg.CatalogURL, "engine-url": cfg.EngineURL, "system-prompt": cfg.SystemPrompt,
	}
	for name, p := range strFlags {
		if v := fileVals[name]; v != "" && !set[name] {
			*p = v
		}
	}
	if cfg.MaxTokens > 0 && !set["max-tokens"] {
		*maxTokens = cfg.MaxTokens
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
