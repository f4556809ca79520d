// ABOUTME: Entry point for fleetd, the chat bot fleet controller
// ABOUTME: Subcommands: serve, init, token, health, agents

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/spf13/pflag"

	"github.com/wokspec/chopsticks-fleet/internal/auth"
	"github.com/wokspec/chopsticks-fleet/internal/config"
	"github.com/wokspec/chopsticks-fleet/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
   __ _           _      _
  / _| | ___  ___| |_ __| |
 | |_| |/ _ \/ _ \ __/ _' |
 |  _| |  __/  __/ || (_| |
 |_| |_|\___|\___|\__\__,_|
`

func usage() {
	fmt.Println("Usage: fleetd <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the fleet controller")
	fmt.Println("  init                   Write a starter config with fresh secrets")
	fmt.Println("  token                  Mint a runner or api token")
	fmt.Println("  health                 Check controller health")
	fmt.Println("  agents                 List registered agents and their live state")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args, os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx, args, os.Stdout)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stderr)

	lock, err := lockDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Authentication disabled (auth.jwt_secret is empty)")
	}
	if cfg.Platform.BotToken == "" {
		yellow.Print("    ! ")
		fmt.Println("Membership checks disabled (platform.bot_token is empty)")
	}
	fmt.Println()

	logger.Info("starting fleetd",
		"version", version,
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// lockDatabase holds an exclusive lock next to the database so two
// controllers never share one store.
func lockDatabase(dbPath string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring database lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("database %s is in use by another fleetd", dbPath)
	}
	return lock, nil
}

// runToken mints a bearer token signed with auth.jwt_secret.
func runToken(args []string, out io.Writer) error {
	var kind, subject string
	var ttl time.Duration
	fs := pflag.NewFlagSet("fleetd token", pflag.ContinueOnError)
	fs.StringVar(&kind, "kind", string(auth.KindAPI), "token kind: runner or api")
	fs.StringVar(&subject, "subject", "", "runner id (runner tokens) or client name (api tokens)")
	fs.DurationVar(&ttl, "ttl", 30*24*time.Hour, "lifetime; 0 never expires")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if subject == "" {
		return errors.New("--subject is required")
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := mintToken(cfg, subject, auth.Kind(kind), ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func mintToken(cfg *config.Config, subject string, kind auth.Kind, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, kind, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

type agentRow struct {
	AgentID    string `json:"agent_id"`
	DisplayTag string `json:"display_tag"`
	PoolID     string `json:"pool_id"`
	Status     string `json:"status"`
	Connected  bool   `json:"connected"`
	State      string `json:"state"`
}

// runAgents prints the agent listing of the running controller. With auth
// enabled a short-lived api token is minted from the local config.
func runAgents(ctx context.Context, args []string, out io.Writer) error {
	var pool string
	fs := pflag.NewFlagSet("fleetd agents", pflag.ContinueOnError)
	fs.StringVar(&pool, "pool", "", "only list agents of this pool")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/agents", cfg.Server.HTTPAddr)
	if pool != "" {
		url += "?pool=" + pool
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if cfg.Auth.JWTSecret != "" {
		token, err := mintToken(cfg, "fleetd-cli", auth.KindAPI, time.Minute)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK     bool       `json:"ok"`
		Reason string     `json:"reason"`
		Agents []agentRow `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !body.OK {
		return fmt.Errorf("listing agents failed: %s", body.Reason)
	}
	return printAgents(out, body.Agents)
}

func printAgents(out io.Writer, agents []agentRow) error {
	if len(agents) == 0 {
		_, err := fmt.Fprintln(out, "no agents registered")
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	for _, a := range agents {
		live := gray("offline")
		if a.Connected {
			live = green(a.State)
		}
		if _, err := fmt.Fprintf(out, "%-26s %-24s %-10s %s\n", a.AgentID, a.DisplayTag, a.Status, live); err != nil {
			return err
		}
	}
	return nil
}
