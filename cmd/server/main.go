package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/abelrugaju/opencontracts"
	"github.com/abelrugaju/opencontracts/queue"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// Local development convenience; a missing .env is not an error.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env")
	}

	cfg := opencontracts.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}
	applyEnv(&cfg)

	apiKey := os.Getenv("OPENCONTRACTS_API_KEY")
	corsOrigins := os.Getenv("OPENCONTRACTS_CORS_ORIGINS")

	dispatcher := queue.NewDispatcher(queue.Config{
		RedisAddr:   cfg.Queue.RedisAddr,
		RedisDB:     cfg.Queue.RedisDB,
		Concurrency: cfg.Queue.Concurrency,
	})
	defer dispatcher.Close()

	engine, err := opencontracts.New(cfg, opencontracts.WithDispatcher(dispatcher))
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if path := os.Getenv("OPENCONTRACTS_SCHEMAS"); path != "" {
		if err := engine.LoadSchemasFile(path); err != nil {
			slog.Error("loading schemas", "path", path, "error", err)
			os.Exit(1)
		}
	}

	progress := queue.NewProgressTracker(queue.Config{
		RedisAddr: cfg.Queue.RedisAddr,
		RedisDB:   cfg.Queue.RedisDB,
	})
	defer progress.Close()

	h := newHandler(engine, progress)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /documents", h.handleIngest)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("POST /documents/{id}/embed", h.handleEmbedMissing)
	mux.HandleFunc("POST /fieldsets", h.handleCreateFieldset)
	mux.HandleFunc("GET /fieldsets/{id}", h.handleGetFieldset)
	mux.HandleFunc("POST /fieldsets/{id}/columns", h.handleCreateColumn)
	mux.HandleFunc("POST /schemas/{name}", h.handleRegisterSchema)
	mux.HandleFunc("POST /jobs", h.handleCreateJob)
	mux.HandleFunc("POST /jobs/{id}/run", h.handleRunJob)
	mux.HandleFunc("GET /jobs/{id}", h.handleJobStatus)
	mux.HandleFunc("GET /jobs/{id}/cells", h.handleJobCells)
	mux.HandleFunc("GET /cells/{id}/sources", h.handleCellSources)
	mux.HandleFunc("POST /cells/{id}/reprocess", h.handleReprocessCell)
	mux.HandleFunc("GET /jobs/{id}/export", h.handleExportJob)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: trace -> recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)
	handler = traceMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // ingest and export can be long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// applyEnv overrides config fields from environment variables.
func applyEnv(cfg *opencontracts.Config) {
	if v := os.Getenv("OPENCONTRACTS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPENCONTRACTS_REDIS_ADDR"); v != "" {
		cfg.Queue.RedisAddr = v
	}
	if v := os.Getenv("OPENCONTRACTS_CHAT_PROVIDER"); v != "" {
		cfg.Chat.Provider = v
	}
	if v := os.Getenv("OPENCONTRACTS_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("OPENCONTRACTS_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("OPENCONTRACTS_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("OPENCONTRACTS_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("OPENCONTRACTS_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("OPENCONTRACTS_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("OPENCONTRACTS_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("OPENCONTRACTS_RERANK_BASE_URL"); v != "" {
		cfg.Rerank.BaseURL = v
	}
	if v := os.Getenv("OPENCONTRACTS_RERANK_API_KEY"); v != "" {
		cfg.Rerank.APIKey = v
	}

	// Fallback: well-known provider env vars for API keys.
	if cfg.Chat.APIKey == "" {
		switch cfg.Chat.Provider {
		case "openai":
			cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			cfg.Chat.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if cfg.Embedding.APIKey == "" {
		switch cfg.Embedding.Provider {
		case "openai":
			cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			cfg.Embedding.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
}
