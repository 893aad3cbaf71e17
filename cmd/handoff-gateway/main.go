// ABOUTME: Entry point for handoff-gateway, the real-time bot-to-human handoff server
// ABOUTME: Subcommands serve the gateway, check health, mint tokens, and watch a tenant

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/client"
	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/gateway"
	"github.com/2389/handoff-gateway/internal/telemetry"
)

// Version is set at build time.
var version = "dev"

const banner = `
 _                 _        __  __
| |__   __ _ _ __ | |  ___ / _|/ _|
| '_ \ / _' | '_ \| |/ _ \ |_| |_
| | | | (_| | | | | | (_) |  _|  _|
|_| |_|\__,_|_| |_|_|\___/|_| |_|   gateway
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(args)
	case "watch":
		err = runWatch(ctx, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: handoff-gateway <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  health                         Check gateway health")
	fmt.Println("  token --subject ID --tenant ID [--role agent|admin|widget] [--ttl 24h]")
	fmt.Println("                                 Mint a token signed with auth.jwt_secret")
	fmt.Println("  watch --tenant ID [--conversation ID] [--url ws://host:port]")
	fmt.Println("                                 Print every event delivered to a tenant")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  HANDOFF_CONFIG    Config file (default: $XDG_CONFIG_HOME/handoff/gateway.yaml)")
	fmt.Println("  HANDOFF_DB_PATH   Overrides database.path for the sqlite driver")
	fmt.Println("  HANDOFF_TOKEN     Token used by watch")
	fmt.Println()
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist.
func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		if err := cfg.Finalize(); err != nil {
			return nil, "", err
		}
		return cfg, "(defaults)", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: cfg.Tracing.Exporter,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s", cfg.Database.Driver)
	if cfg.Database.Driver == config.DriverMemory {
		yellow.Print(" [not persisted]")
	}
	fmt.Println()
	if cfg.Broker.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Mirror:    %s\n", cfg.Broker.Exchange)
	}
	if !cfg.AuthEnabled() {
		yellow.Println("    ! auth disabled")
	}
	fmt.Println()

	logger.Info("starting handoff-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// healthURL turns server.http_addr into a dialable URL. Wildcard hosts are
// reached over loopback.
func healthURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	} else if host, port, ok := strings.Cut(addr, ":"); ok && (host == "0.0.0.0" || host == "") {
		addr = "127.0.0.1:" + port
	}
	return "http://" + addr
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(cfg.Server.HTTPAddr)+"/health", nil)
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

	var body struct {
		Version  string `json:"version"`
		Sessions int    `json:"sessions"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	fmt.Printf("healthy (version %s, %d sessions)\n", body.Version, body.Sessions)
	return nil
}

type tokenArgs struct {
	subject string
	tenant  string
	role    auth.Role
	ttl     time.Duration
}

func parseTokenArgs(args []string, defaultTTL time.Duration) (tokenArgs, error) {
	out := tokenArgs{role: auth.RoleAgent, ttl: defaultTTL}
	usage := errors.New("usage: token --subject <id> --tenant <id> [--role agent|admin|widget] [--ttl <duration>]")

	for i := 0; i < len(args); i++ {
		flag := args[i]
		if i+1 >= len(args) {
			return out, usage
		}
		val := args[i+1]
		i++

		switch flag {
		case "--subject", "-s":
			out.subject = val
		case "--tenant", "-t":
			out.tenant = val
		case "--role", "-r":
			out.role = auth.Role(val)
		case "--ttl":
			d, err := time.ParseDuration(val)
			if err != nil || d <= 0 {
				return out, fmt.Errorf("invalid --ttl %q", val)
			}
			out.ttl = d
		default:
			return out, fmt.Errorf("unknown flag: %s", flag)
		}
	}

	if out.subject == "" {
		return out, usage
	}
	if !out.role.Valid() {
		return out, fmt.Errorf("invalid --role %q", out.role)
	}
	if out.tenant == "" {
		return out, errors.New("--tenant is required")
	}
	return out, nil
}

func runToken(args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.AuthEnabled() {
		return errors.New("auth.jwt_secret is not configured")
	}

	ta, err := parseTokenArgs(args, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(auth.Identity{Subject: ta.subject, TenantID: ta.tenant, Role: ta.role}, ta.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

type watchArgs struct {
	url          string
	tenant       string
	conversation string
}

func parseWatchArgs(args []string, defaultURL string) (watchArgs, error) {
	out := watchArgs{url: defaultURL}
	usage := errors.New("usage: watch --tenant <id> [--conversation <id>] [--url <ws://host:port>]")

	for i := 0; i < len(args); i++ {
		flag := args[i]
		if i+1 >= len(args) {
			return out, usage
		}
		val := args[i+1]
		i++

		switch flag {
		case "--tenant", "-t":
			out.tenant = val
		case "--conversation", "-c":
			out.conversation = val
		case "--url", "-u":
			out.url = val
		default:
			return out, fmt.Errorf("unknown flag: %s", flag)
		}
	}

	if out.tenant == "" && out.conversation == "" {
		return out, usage
	}
	return out, nil
}

// runWatch prints every frame the tenant (and optionally one conversation)
// receives until interrupted.
func runWatch(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	wa, err := parseWatchArgs(args, healthURL(cfg.Server.HTTPAddr))
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.Dial(dialCtx, wa.url, client.Options{
		Token:    os.Getenv("HANDOFF_TOKEN"),
		TenantID: wa.tenant,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	cyan := color.New(color.FgCyan)
	red := color.New(color.FgRed)
	c.On(client.AllEvents, func(f client.Frame) {
		ts := color.HiBlackString(time.Now().Format("15:04:05"))
		if f.Event == "error" {
			fmt.Printf("%s %s %s\n", ts, red.Sprint(f.Event), f.Data)
			return
		}
		fmt.Printf("%s %s %s\n", ts, cyan.Sprint(f.Event), f.Data)
	})

	if wa.conversation != "" {
		if err := c.JoinConversation(ctx, wa.conversation); err != nil {
			return err
		}
	}

	color.Green("watching (ctrl-c to stop)")
	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return c.Err()
	}
}
