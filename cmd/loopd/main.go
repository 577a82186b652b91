// Copyright 2025 The Loopd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/control"
	"github.com/loopd/loopd/internal/log"
	"github.com/loopd/loopd/internal/metrics"
	"github.com/loopd/loopd/internal/model"
	"github.com/loopd/loopd/internal/runloop"
	"github.com/loopd/loopd/internal/scheduler"
	"github.com/loopd/loopd/internal/store"
	"github.com/loopd/loopd/internal/tracing"
	"github.com/loopd/loopd/internal/worktree"
)

// Version information (injected via ldflags at build time).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to loopd YAML config file")
		agentCLI    = flag.String("agent-cli", "", "Override the configured agent CLI binary")
		dataDir     = flag.String("data-dir", "", "Override the configured global data directory")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("loopd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.WithComponent(log.New(log.FromEnv()), "daemon")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *agentCLI != "" {
		cfg.AgentCLI = *agentCLI
	}
	if *dataDir != "" {
		cfg.GlobalDataDir = *dataDir
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("loopd exited with error", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.GlobalDataDir, 0o755); err != nil {
		return fmt.Errorf("create global data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.GlobalLogDir, 0o755); err != nil {
		return fmt.Errorf("create global log dir: %w", err)
	}

	st, err := store.New(store.Config{Path: filepath.Join(cfg.GlobalDataDir, "loopd.db"), WAL: true})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tp, err := newTracerProvider(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	otel.SetTracerProvider(tp)

	mc := metrics.New(prometheus.DefaultRegisterer)

	provider, err := worktree.Resolve(cfg.Worktree)
	if err != nil {
		return fmt.Errorf("resolve worktree provider: %w", err)
	}
	wtManager := worktree.NewManager(provider)

	sched := scheduler.New(st, mc, logger, cfg.MaxConcurrent, cfg.MaxPerWorkspace)
	adapter := control.New(st, sched, logger, cfg.AgentCLI, cfg.HaikuModel)
	_ = adapter // exposed for a future transport adapter; not called by the daemon loop itself

	driver := runloop.New(st, sched, mc, logger, cfg, specFilePrompts{}, wtManager)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.ResumeInterrupted(ctx); err != nil {
		logger.Warn("failed to resume interrupted runs", log.Error(err))
	}

	logger.Info("loopd starting",
		slog.String("version", version),
		slog.Int("max_concurrent", cfg.MaxConcurrent))

	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, sched, driver, logger)
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight runs")
	sched.Stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", log.Error(err))
	}

	return nil
}

// newTracerProvider selects the stdout exporter for local development, or
// an OTLP gRPC exporter when a collector endpoint is configured.
func newTracerProvider(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if cfg.TracingOTLPEndpoint != "" {
		return tracing.NewOTLPProvider(ctx, tracing.OTLPConfig{
			Endpoint: cfg.TracingOTLPEndpoint,
			Insecure: cfg.TracingOTLPInsecure,
		})
	}
	return tracing.NewProvider(os.Stderr)
}

// worker repeatedly claims the next eligible run and drives it to
// completion until the scheduler is stopped or ctx is canceled.
func worker(ctx context.Context, sched *scheduler.Scheduler, driver *runloop.Driver, logger *slog.Logger) {
	for {
		r, err := sched.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim next run failed", log.Error(err))
			continue
		}
		if r == nil {
			return
		}

		runLogger := log.WithRunContext(logger, r.ID, r.WorkspaceRoot)
		runLogger.Info("run claimed")
		if err := driver.Run(ctx, r); err != nil {
			runLogger.Error("run driver returned an error", log.Error(err))
		}
	}
}

// specFilePrompts is the daemon's minimal default Prompts implementation:
// prompt-text templating is out of scope, so it passes the spec file's
// contents (or its path, if unreadable) and the plan path through with the
// bare attempt/rewrite framing the loop needs.
type specFilePrompts struct{}

func (specFilePrompts) Implementation(run *model.Run, attempt int, rewritten string) string {
	spec := readFileOrPath(run.SpecPath)
	if run.PlanPath != "" {
		return fmt.Sprintf("Implement the following spec (attempt %d):\n\n%s\n\nPlan: %s", attempt, spec, run.PlanPath)
	}
	return fmt.Sprintf("Implement the following spec (attempt %d):\n\n%s", attempt, spec)
}

func (specFilePrompts) Review(run *model.Run, attempt int) string {
	spec := readFileOrPath(run.SpecPath)
	return fmt.Sprintf("Review the implementation of the following spec (review attempt %d):\n\n%s", attempt, spec)
}

func readFileOrPath(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return path
	}
	return string(data)
}
