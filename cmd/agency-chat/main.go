// ABOUTME: Entry point for the agency-chat server and its operator commands
// ABOUTME: Dispatches serve, health, token and tail subcommands

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agency-chat/internal/auth"
	"github.com/2389/agency-chat/internal/config"
	"github.com/2389/agency-chat/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                _           _
  __ _  __ _  ___ _ __   ___ _   _        ___| |__   __ _| |_
 / _' |/ _' |/ _ \ '_ \ / __| | | |_____ / __| '_ \ / _' | __|
| (_| | (_| |  __/ | | | (__| |_| |_____| (__| | | | (_| | |_
 \__,_|\__, |\___|_| |_|\___|\__, |      \___|_| |_|\__,_|\__|
       |___/                 |___/
`

// defaultTokenTTL is the lifetime of tokens minted by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the config file.
// Priority: AGENCY_CHAT_CONFIG env var > XDG_CONFIG_HOME/agency-chat/config.yaml > ~/.config/agency-chat/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENCY_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agency-chat", "config.yaml")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: agency-chat <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the chat server")
	fmt.Fprintln(w, "  health                       Check server health and readiness")
	fmt.Fprintln(w, "  token --user ID [--ttl 720h] Mint an API token for a user")
	fmt.Fprintln(w, "  tail CONVERSATION_ID         Follow a conversation's live events")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "tail":
		err = runTail(ctx, os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
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
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Upstream:  %s ", cfg.Upstream.BaseURL)
	cyan.Println(cfg.Upstream.Model)
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled (anonymous access)")
	}
	fmt.Println()

	logger.Info("starting agency-chat",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"model", cfg.Upstream.Model,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// serverURL turns a listen address into a base URL a client can reach.
func serverURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	base := serverURL(cfg.Server.HTTPAddr)

	for _, path := range []string{"/health", "/health/ready"} {
		body, err := getText(ctx, base+path)
		if err != nil {
			return err
		}
		fmt.Printf("%-14s %s\n", path, body)
	}
	return nil
}

// getText fetches url and returns its body, failing on any non-200 status.
func getText(ctx context.Context, url string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unhealthy: %s returned status %d", url, resp.StatusCode)
	}
	return string(body), nil
}

// runToken mints a JWT for a user with the configured secret.
// Supports both "--user value" and "--user=value" formats.
func runToken(args []string, out io.Writer) error {
	opts, err := parseFlags(args, "user", "ttl")
	if err != nil {
		return err
	}
	if len(opts.positional) > 0 {
		return fmt.Errorf("unexpected argument: %s", opts.positional[0])
	}

	userID := opts.values["user"]
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	ttl := defaultTokenTTL
	if raw := opts.values["ttl"]; raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("--ttl must be a positive duration")
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; the server accepts anonymous requests")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}
