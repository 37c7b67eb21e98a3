// Command askd serves the asknote HTTP API.
//
// The keyword index uses SQLite FTS5, which mattn/go-sqlite3 only
// compiles in behind a build tag, so build and run with:
//
//	CGO_ENABLED=1 go build -tags sqlite_fts5 ./cmd/askd
//	go run -tags sqlite_fts5 ./cmd/askd --config config.yaml
//
// Tests touching the index need the same tag:
//
//	CGO_ENABLED=1 go test -tags sqlite_fts5 ./...
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/asknote/asknote"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// Load .env if present; real environment variables win.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	cfg := asknote.DefaultConfig()
	if *configPath != "" {
		loaded, err := asknote.LoadConfig(*configPath)
		if err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Override from environment variables.
	if v := os.Getenv("ASKNOTE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ASKNOTE_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("ASKNOTE_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("ASKNOTE_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("ASKNOTE_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ASKNOTE_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("ASKNOTE_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("ASKNOTE_CHAT_PROVIDER"); v != "" {
		cfg.Chat.Provider = v
	}
	if v := os.Getenv("ASKNOTE_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}

	// Fallback: the well-known provider env var covers both roles.
	if cfg.Chat.APIKey == "" && cfg.Chat.Provider == "openai" {
		cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	apiKey := os.Getenv("ASKNOTE_API_KEY")
	corsOrigins := os.Getenv("ASKNOTE_CORS_ORIGINS")

	engine, err := asknote.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Re-queue any chunks whose embedding never completed (crash, provider
	// outage) before taking traffic.
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if n, err := engine.ResumeIndexing(startCtx); err != nil {
		slog.Warn("resuming indexing", "error", err)
	} else if n > 0 {
		slog.Info("resumed indexing", "chunks", n)
	}
	startCancel()

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest", h.handleIngest)
	mux.HandleFunc("POST /ask", h.handleAsk)
	mux.HandleFunc("POST /search", h.handleSearch)
	mux.HandleFunc("POST /flush", h.handleFlush)
	mux.HandleFunc("DELETE /documents/{id}", h.handleDeleteDocument)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("GET /stats", h.handleStats)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // ingest and ask can be long
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
