// ABOUTME: Entry point for the tenant-gateway server and its operator commands
// ABOUTME: serve, stdio, bootstrap, keygen and health

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/config"
	"github.com/2389/tenant-gateway/internal/gateway"
	"github.com/2389/tenant-gateway/internal/store"
	"github.com/2389/tenant-gateway/internal/token"
	"github.com/2389/tenant-gateway/internal/tools"
	"github.com/2389/tenant-gateway/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                         _                     _
 | |_ ___ _ __   __ _ _ __ | |_ ___ _____      __| |_ ___ __ _
 | __/ _ \ '_ \ / _' | '_ \| __|___/ _' \ \ /\ / /| __/ _ \/ _' |
 | ||  __/ | | | (_| | | | | ||___| (_| |\ V  V / | ||  __/ (_| |
  \__\___|_| |_|\__,_|_| |_|\__|   \__, | \_/\_/   \__\___|\__, |
                                   |___/                   |___/
`

// getDataPath returns the tenant-gateway data directory.
// Priority: XDG_DATA_HOME/tenant-gateway > ~/.local/share/tenant-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "tenant-gateway")
}

func usage() {
	fmt.Println("Usage: tenant-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                        Start the gateway server")
	fmt.Println("  stdio --api-key KEY | --token TOKEN          Serve JSON-RPC on stdin/stdout")
	fmt.Println("  bootstrap --tenant NAME --email E --password P  Create the first tenant, admin and tokens")
	fmt.Println("  keygen --out PATH                            Generate an Ed25519 signing key")
	fmt.Println("  health                                       Check gateway health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	gateway.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "stdio":
		err = runStdio(ctx, args)
	case "bootstrap":
		err = runBootstrap(ctx, args, os.Stdout)
	case "keygen":
		err = runKeygen(args, os.Stdout)
	case "health":
		err = runHealth(ctx, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configFlag registers --config on fs, defaulting to the standard location.
func configFlag(fs *pflag.FlagSet) *string {
	def, err := config.DefaultPath()
	if err != nil {
		def = "gateway.yaml"
	}
	return fs.StringP("config", "c", def, "path to the gateway config file")
}

func runServe(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", *configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("RPC:       %s  (ws: %s/ws, sse: %s/sse)\n", cfg.Server.RPCPath, cfg.Server.RPCPath, cfg.Server.RPCPath)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting tenant-gateway",
		"config", *configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"issuer", cfg.Auth.Issuer,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runStdio serves one JSON-RPC session on stdin/stdout. Logs go to stderr.
func runStdio(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("stdio", pflag.ContinueOnError)
	configPath := configFlag(fs)
	apiKey := fs.String("api-key", os.Getenv("TGW_API_KEY"), "API key to authenticate the session (env TGW_API_KEY)")
	bearer := fs.String("token", os.Getenv("TGW_TOKEN"), "access or admin token to authenticate the session (env TGW_TOKEN)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*apiKey == "") == (*bearer == "") {
		return errors.New("exactly one of --api-key or --token is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(shutdownCtx)
	}()

	s := &transport.Stdio{
		Dispatcher: gw.Dispatcher(),
		Credential: auth.Credential{APIKey: *apiKey, Bearer: *bearer},
		Logger:     logger,
	}
	err = s.Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runKeygen(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	path := fs.StringP("out", "o", filepath.Join(getDataPath(), "signing.pem"), "where to write the PEM key")
	force := fs.Bool("force", false, "overwrite an existing key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to replace it; outstanding tokens stop verifying)", *path)
	}
	key, err := token.GenerateKey()
	if err != nil {
		return err
	}
	if err := token.WritePrivateKey(*path, key); err != nil {
		return err
	}
	kid, err := token.KeyID(key.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s (kid %s)\n", *path, kid)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("health", pflag.ContinueOnError)
	configPath := configFlag(fs)
	baseURL := fs.String("url", "", "gateway base URL (defaults to server.base_url or http://server.http_addr)")
	ready := fs.Bool("ready", false, "check readiness instead of liveness")
	if err := fs.Parse(args); err != nil {
		return err
	}

	base := *baseURL
	if base == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		base = cfg.Server.BaseURL
		if base == "" {
			base = "http://" + cfg.Server.HTTPAddr
		}
	}
	url := strings.TrimSuffix(base, "/") + "/health"
	if *ready {
		url += "/ready"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// writeDefaultConfig creates a config file with a fresh encryption key and
// paths under the data directory.
func writeDefaultConfig(configPath string) error {
	dataPath := getDataPath()
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return fmt.Errorf("generating encryption key: %w", err)
	}

	content := fmt.Sprintf(`# tenant-gateway configuration
# Generated by tenant-gateway bootstrap

server:
  http_addr: "localhost:8080"
  base_url: "http://localhost:8080"
  rpc_path: "/rpc"

database:
  path: "%s"

auth:
  signing_key_file: "%s"
  encryption_key: "%s"

admission:
  requests_per_window: 600
  window: "1m"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`, filepath.Join(dataPath, "gateway.db"), filepath.Join(dataPath, "signing.pem"), base64.StdEncoding.EncodeToString(keyBytes))

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// operatorEmail derives the platform operator's login from the tenant
// admin's address: ada@acme.test becomes ada+operator@acme.test.
func operatorEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return email + "+operator"
	}
	return local + "+operator@" + domain
}

// runBootstrap performs first-time setup of the gateway:
//  1. Creates the config file (if it does not exist)
//  2. Creates the tenant and its admin user
//  3. Creates a platform super admin and issues admin tokens for both
//
// This is a one-command setup: tenant-gateway bootstrap --tenant acme --email ada@acme.test --password ...
func runBootstrap(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("bootstrap", pflag.ContinueOnError)
	configPath := configFlag(fs)
	tenantName := fs.String("tenant", "", "name of the first tenant")
	email := fs.String("email", "", "login email of the tenant admin")
	password := fs.String("password", os.Getenv("TGW_BOOTSTRAP_PASSWORD"), "login password of the tenant admin (env TGW_BOOTSTRAP_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name := strings.TrimSpace(*tenantName)
	switch {
	case name == "":
		return errors.New("--tenant flag is required")
	case len(name) > 100:
		return errors.New("tenant name exceeds maximum length of 100 characters")
	case !strings.Contains(*email, "@"):
		return errors.New("--email must be an email address")
	case len(*password) < 12:
		return errors.New("--password must be at least 12 characters")
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(*configPath); errors.Is(err, os.ErrNotExist) {
		if err := writeDefaultConfig(*configPath); err != nil {
			return err
		}
		green.Fprintf(out, "  ✓ Created config: %s\n", *configPath)
	} else {
		cyan.Fprintf(out, "  Using existing config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	key, created, err := token.LoadOrGenerateKey(cfg.Auth.SigningKeyFile)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	if created {
		green.Fprintf(out, "  ✓ Generated signing key: %s\n", cfg.Auth.SigningKeyFile)
	}
	var codecOpts []token.Option
	if cfg.Auth.AdminTokenTTL > 0 {
		codecOpts = append(codecOpts, token.WithTTL(token.KindAdmin, cfg.Auth.AdminTokenTTL))
	}
	codec, err := token.NewCodec(key, cfg.Auth.Issuer, codecOpts...)
	if err != nil {
		return fmt.Errorf("creating token codec: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()
	green.Fprintf(out, "  ✓ Database: %s\n", cfg.Database.Path)

	if _, err := s.LookupUserByEmail(ctx, *email); err == nil {
		return fmt.Errorf("bootstrap already complete: user %s exists", *email)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("checking users: %w", err)
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}

	tenant := &store.Tenant{Name: name}
	if err := s.CreateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("creating tenant: %w", err)
	}
	admin := &store.User{
		TenantID:     tenant.ID,
		Email:        *email,
		DisplayName:  "admin",
		PasswordHash: hash,
		Role:         store.RoleAdmin,
		Status:       store.UserStatusActive,
	}
	if err := s.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("creating tenant admin: %w", err)
	}
	operator := &store.User{
		Email:       operatorEmail(*email),
		DisplayName: "operator",
		Role:        store.RoleSuperAdmin,
		Status:      store.UserStatusActive,
	}
	if err := s.CreateUser(ctx, operator); err != nil {
		return fmt.Errorf("creating platform operator: %w", err)
	}
	green.Fprintf(out, "  ✓ Created tenant %q with admin %s\n", name, *email)

	superToken, err := tools.IssueAdminToken(ctx, s, codec, tools.AdminTokenRequest{
		Name:        "bootstrap",
		PrincipalID: operator.ID,
		IssuedBy:    operator.ID,
		SuperAdmin:  true,
	})
	if err != nil {
		return fmt.Errorf("issuing super admin token: %w", err)
	}
	tenantToken, err := tools.IssueAdminToken(ctx, s, codec, tools.AdminTokenRequest{
		Name:        "bootstrap",
		TenantID:    tenant.ID,
		PrincipalID: admin.ID,
		IssuedBy:    operator.ID,
	})
	if err != nil {
		return fmt.Errorf("issuing tenant admin token: %w", err)
	}

	// Save the super admin token for CLI use
	tokenPath := filepath.Join(filepath.Dir(*configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(superToken.Token), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Fprintf(out, "  ✓ Saved super admin token: %s\n", tokenPath)

	fmt.Fprintln(out)
	green.Fprintln(out, "  Bootstrap complete!")
	fmt.Fprintln(out)
	cyan.Fprintln(out, "  Tenant")
	cyan.Fprintln(out, "  ------")
	fmt.Fprintf(out, "  ID:            %s\n", tenant.ID)
	fmt.Fprintf(out, "  Name:          %s\n", name)
	fmt.Fprintf(out, "  Admin:         %s (%s)\n", *email, admin.ID)
	fmt.Fprintf(out, "  Admin token:   %s\n", tenantToken.Token)
	fmt.Fprintf(out, "                 expires %s\n", tenantToken.ExpiresAt.Format("Jan 02, 2006"))
	fmt.Fprintf(out, "  Operator:      %s (%s)\n", operator.Email, operator.ID)
	fmt.Fprintf(out, "  Super token:   %s (expires %s)\n", tokenPath, superToken.ExpiresAt.Format("Jan 02, 2006"))
	fmt.Fprintln(out)

	yellow.Fprintln(out, "  Ready to go:")
	fmt.Fprintln(out, "    tenant-gateway serve                          # start the gateway")
	fmt.Fprintln(out, "    tenant-gateway stdio --token \"$(cat "+tokenPath+")\"  # speak JSON-RPC on stdio")
	fmt.Fprintln(out)
	return nil
}
