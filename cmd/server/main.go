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

	"github.com/brunobiangulo/corpusrag"
	"github.com/brunobiangulo/corpusrag/internal/chatapi"
	"github.com/brunobiangulo/corpusrag/internal/tenant"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	tenantsPath := flag.String("tenants", "", "Path to tenant table (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := corpusrag.DefaultConfig()
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
	cfg.ApplyEnv()

	// Fallback: check well-known provider env vars for API keys.
	for _, lc := range []*corpusrag.LLMConfig{&cfg.Strategy, &cfg.Answer, &cfg.Analysis, &cfg.Embedding} {
		if lc.APIKey != "" {
			continue
		}
		switch lc.Provider {
		case "openai":
			lc.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			lc.APIKey = os.Getenv("GROQ_API_KEY")
		case "gemini":
			lc.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}

	var (
		tenants *tenant.Table
		err     error
	)
	if *tenantsPath != "" {
		tenants, err = tenant.Load(*tenantsPath, os.Getenv("RAG_ACTIVE_TENANT"))
	} else {
		tenants, err = tenant.FallbackFromEnv()
	}
	if err != nil {
		slog.Error("loading tenant table", "error", err)
		os.Exit(1)
	}

	svc, err := corpusrag.New(cfg, tenants)
	if err != nil {
		slog.Error("creating service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	apiKey := os.Getenv("RAG_API_KEY")
	corsOrigins := os.Getenv("RAG_CORS_ORIGINS")

	h := chatapi.NewHandler(svc, svc.Tenants(), svc.States(), svc.Lexical(), chatapi.Config{
		Service:     "corpusrag",
		Version:     version,
		AnswerModel: svc.AnswerModel(),
		Models:      svc.Models(),
	})
	mux := http.NewServeMux()
	h.Register(mux)

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
		WriteTimeout: 0, // streaming responses
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr, "version", version)
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
