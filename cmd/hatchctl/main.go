// Command hatchctl is the operator CLI for a running hatchd daemon. It talks
// to the daemon's local HTTP API and to the project's secret store.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"hatch/pkg/config"
	"hatch/pkg/git"
	"hatch/pkg/metrics"
	"hatch/pkg/version"
	"hatch/pkg/workspace"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(args)
	case "login":
		err = cmdLogin(args)
	case "stats":
		err = cmdStats(args)
	case "archive":
		err = cmdArchive(args)
	case "version":
		version.Print("hatchctl")
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `hatchctl - control a running hatchd daemon

Usage:
  hatchctl status   [-addr host:port]          Show queues and workspaces
  hatchctl login    [-projectdir dir] [-addr]  Store a GitHub token and replay pending work
  hatchctl stats    [-projectdir dir]          Show Prometheus-backed operation stats
  hatchctl archive  [-addr] <workspace-id>     Archive a workspace
  hatchctl version                             Show version information
`)
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("is hatchd running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, out)
}

func (c *apiClient) post(path string, body, out any) error {
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("is hatchd running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// shortID abbreviates a workspace ID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", config.DefaultListenAddr, "Daemon API address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client := newAPIClient(*addr)

	var queues []git.QueueStatus
	if err := client.get("/api/queues", &queues); err != nil {
		return err
	}
	var workspaces []workspace.Workspace
	if err := client.get("/api/workspaces", &workspaces); err != nil {
		return err
	}
	var retry struct {
		Pending *workspace.PendingAuthRetryOperation `json:"pending"`
	}
	if err := client.get("/api/retry", &retry); err != nil {
		return err
	}

	fmt.Printf("Queues (%d repos):\n", len(queues))
	for _, q := range queues {
		running := "-"
		if q.RunningOperation != nil {
			running = q.RunningOperation.Command
		}
		fmt.Printf("  %s  pending=%d completed=%d failed=%d running=%s\n",
			q.RepoRoot, q.PendingCount, q.CompletedCount, q.FailedCount, running)
	}

	fmt.Printf("\nWorkspaces (%d):\n", len(workspaces))
	for _, ws := range workspaces {
		fmt.Printf("  %-10s %-12s %-8s %s\n", shortID(ws.ID), ws.WorkflowStatus, ws.Status, ws.Title)
	}

	if retry.Pending != nil {
		fmt.Printf("\nAuthentication expired: %s is waiting for login\n", retry.Pending.Describe())
	}
	return nil
}

func cmdLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	addr := fs.String("addr", config.DefaultListenAddr, "Daemon API address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Print("GitHub token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	fmt.Print("Passphrase: ")
	passBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}

	if err := config.SaveGitHubToken(*projectDir, string(passBytes), token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	fmt.Println("Token stored.")

	// Tell the daemon so any parked push, clone, or PR creation is replayed.
	client := newAPIClient(*addr)
	if err := client.post("/api/login", nil, nil); err != nil {
		return fmt.Errorf("token stored but daemon not notified: %w", err)
	}
	fmt.Println("Daemon notified, pending work replayed.")
	return nil
}

func cmdStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	repoRoot := fs.String("repo", "", "Repository root to report on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := config.LoadConfig(*projectDir); err != nil {
		return err
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}
	if cfg.Metrics == nil || cfg.Metrics.PrometheusURL == "" {
		return fmt.Errorf("no prometheus_url configured; set metrics.prometheus_url in config.json")
	}

	svc, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stats, err := svc.GetRepoStats(ctx, *repoRoot)
	if err != nil {
		return err
	}
	fmt.Printf("Completed ops:  %d\n", stats.OpsCompleted)
	fmt.Printf("Failed ops:     %d\n", stats.OpsFailed)
	fmt.Printf("Pending depth:  %d\n", stats.PendingDepth)
	fmt.Printf("Avg op seconds: %.2f\n", stats.AvgOpSeconds)
	fmt.Printf("Running agents: %d\n", stats.RunningAgents)
	return nil
}

func cmdArchive(args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	addr := fs.String("addr", config.DefaultListenAddr, "Daemon API address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: hatchctl archive [-addr host:port] <workspace-id>")
	}
	id := fs.Arg(0)

	client := newAPIClient(*addr)
	if err := client.post("/api/workspaces/"+id+"/archive", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Workspace %s archived.\n", id)
	return nil
}
