// Command indexer crawls a tenant's document root, keeping the lexical
// and vector indices in sync with the filesystem. It runs once by
// default, or continuously with -interval.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brunobiangulo/corpusrag"
	"github.com/brunobiangulo/corpusrag/internal/tenant"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	tenantsPath := flag.String("tenants", "", "Path to tenant table (JSON)")
	tenantName := flag.String("tenant", "", "Tenant to index (default: active tenant)")
	sweep := flag.Bool("sweep", false, "Also remove records for files deleted from disk")
	interval := flag.Duration("interval", 0, "Re-crawl continuously at this interval (0 = run once)")
	flag.Parse()

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

	short := *tenantName
	if short == "" {
		short = tenants.Active().ShortName
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runOnce := func() {
		start := time.Now()
		stats, err := svc.Index(ctx, short)
		if err != nil {
			slog.Error("index run failed", "tenant", short, "error", err)
			return
		}
		if *sweep {
			removed, err := svc.Sweep(ctx, short)
			if err != nil {
				slog.Error("sweep failed", "tenant", short, "error", err)
			} else {
				stats.Removed = removed
			}
		}
		slog.Info("index run finished",
			"tenant", short,
			"seen", stats.Seen,
			"indexed", stats.Indexed,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
			"chunks", stats.Chunks,
			"removed", stats.Removed,
			"elapsed", time.Since(start).Round(time.Millisecond))
	}

	runOnce()
	if *interval <= 0 {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runOnce()
		case <-ctx.Done():
			slog.Info("indexer stopping")
			return
		}
	}
}
