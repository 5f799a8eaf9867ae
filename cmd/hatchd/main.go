// Command hatchd is the hatch daemon: it owns the git operation queues, the
// workspace set, and the agent processes for one project directory, and
// exposes them over a local HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hatch/pkg/agent"
	"hatch/pkg/config"
	"hatch/pkg/eventlog"
	"hatch/pkg/exec"
	"hatch/pkg/git"
	"hatch/pkg/logx"
	"hatch/pkg/persistence"
	"hatch/pkg/server"
	"hatch/pkg/version"
	"hatch/pkg/workspace"
)

func main() {
	var (
		projectDir  = flag.String("projectdir", ".", "Project directory")
		listenAddr  = flag.String("listen", "", "API listen address (overrides config)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		version.Print("hatchd")
		os.Exit(0)
	}

	os.Exit(run(*projectDir, *listenAddr))
}

func run(projectDir, listenOverride string) int {
	logger := logx.NewLogger("hatchd")

	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		logger.Error("Invalid project directory %q: %v", projectDir, err)
		return 1
	}

	if err := config.LoadConfig(absDir); err != nil {
		logger.Error("Failed to load config: %v", err)
		return 1
	}
	cfg, err := config.GetConfig()
	if err != nil {
		logger.Error("Failed to read config: %v", err)
		return 1
	}

	manifest, err := config.LoadManifest(absDir)
	if err != nil {
		logger.Error("Failed to load repo manifest: %v", err)
		return 1
	}

	hatchDir, err := config.GetHatchDir()
	if err != nil {
		logger.Error("Failed to prepare state directory: %v", err)
		return 1
	}
	if err := persistence.Initialize(filepath.Join(hatchDir, "hatch.db")); err != nil {
		logger.Error("Failed to open database: %v", err)
		return 1
	}
	defer func() {
		if closeErr := persistence.Close(); closeErr != nil {
			logger.Warn("Failed to close database: %v", closeErr)
		}
	}()

	events, err := eventlog.NewWriter(filepath.Join(hatchDir, "logs"))
	if err != nil {
		logger.Error("Failed to open event log: %v", err)
		return 1
	}
	defer func() { _ = events.Close() }()

	coord := git.NewCoordinator(exec.NewLocalExec(),
		git.WithEventLog(events),
		git.WithOperationTimeout(time.Duration(cfg.Git.OperationTimeoutSecs)*time.Second),
		git.WithHistoryRetention(cfg.Git.HistoryRetention),
	)

	agents := agent.NewManager(cfg.Agents)

	worktreeBase := cfg.Worktrees.BaseDir
	if !filepath.IsAbs(worktreeBase) {
		worktreeBase = filepath.Join(absDir, worktreeBase)
	}

	workspaces, err := workspace.NewManager(coord, git.NewWorktreeManager(coord),
		agents, persistence.Ops(), manifest, nil, exec.NewLocalExec(), worktreeBase)
	if err != nil {
		logger.Error("Failed to initialize workspace manager: %v", err)
		return 1
	}

	addr := cfg.Server.ListenAddr
	if listenOverride != "" {
		addr = listenOverride
	}
	api := server.NewServer(addr, coord, workspaces, agents)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- api.Start()
	}()

	logger.Info("hatchd %s started, project dir %s", version.Version, absDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server failed: %v", err)
			return 1
		}
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown: %v", err)
	}

	// Let queued git operations drain before the queues close so no
	// accepted work is silently dropped.
	if err := coord.FlushAll(shutdownCtx); err != nil {
		logger.Warn("Queue drain: %v", err)
	}
	coord.Close()

	agents.KillAll()

	logger.Info("Shutdown complete")
	return 0
}
