package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/abelrugaju/opencontracts"
	"github.com/abelrugaju/opencontracts/queue"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

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

	engine, err := opencontracts.New(cfg)
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

	worker := queue.NewWorker(queue.Config{
		RedisAddr:   cfg.Queue.RedisAddr,
		RedisDB:     cfg.Queue.RedisDB,
		Concurrency: cfg.Queue.Concurrency,
	}, engine)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		slog.Info("shutting down worker...")
		worker.Shutdown()
	}()

	slog.Info("worker starting",
		"redis", cfg.Queue.RedisAddr,
		"concurrency", cfg.Queue.Concurrency)
	if err := worker.Run(); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

// applyEnv overrides config fields from environment variables. Workers run
// the model calls, so they need the same provider settings as the server.
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
