// Package app provides the entry point for the gatewayd command-line
// application, mirroring the teacher's cmd/vmcp/app: a cobra root with
// persistent --debug/--config flags and serve/validate/version
// subcommands, wired through viper.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/sigee-min/bbmcp-sub010/internal/catalog"
	"github.com/sigee-min/bbmcp-sub010/internal/clock"
	"github.com/sigee-min/bbmcp-sub010/internal/gwconfig"
	"github.com/sigee-min/bbmcp-sub010/internal/logger"
	"github.com/sigee-min/bbmcp-sub010/internal/memstore"
	"github.com/sigee-min/bbmcp-sub010/internal/noopbackend"
	backendregistry "github.com/sigee-min/bbmcp-sub010/internal/registry"
	"github.com/sigee-min/bbmcp-sub010/pkg/dispatcher"
	"github.com/sigee-min/bbmcp-sub010/pkg/domain"
	"github.com/sigee-min/bbmcp-sub010/pkg/eventlog"
	"github.com/sigee-min/bbmcp-sub010/pkg/jobqueue"
	"github.com/sigee-min/bbmcp-sub010/pkg/mcprouter"
	"github.com/sigee-min/bbmcp-sub010/pkg/mcpsession"
	"github.com/sigee-min/bbmcp-sub010/pkg/policy"
	"github.com/sigee-min/bbmcp-sub010/pkg/projectlock"
	"github.com/sigee-min/bbmcp-sub010/pkg/registry"
	"github.com/sigee-min/bbmcp-sub010/pkg/transport"
	"github.com/sigee-min/bbmcp-sub010/pkg/worker"
)

// version is set at build time via -ldflags.
var version = "dev"

// NewRootCmd creates a fresh gatewayd root command. Unlike the teacher's
// single package-level rootCmd, this builds a new *cobra.Command per
// call so tests can invoke it repeatedly without accumulating duplicate
// subcommands on shared state.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "gatewayd",
		DisableAutoGenTag: true,
		Short:             "Multi-backend MCP gateway",
		Long: `gatewayd mediates between AI agents and 3D-modeling backends over the
Model Context Protocol: it authenticates each request, selects a backend,
enforces per-project serialization and workspace authorization, dispatches
tool calls, and streams project-state events back over SSE.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if viper.GetBool("debug") {
				_ = os.Setenv("DEBUG", "true")
			}
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to gatewayd configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start the gateway daemon: loads and validates the configuration file named
by --config, wires the session store, dispatcher, policy engine, and job
queue, then serves JSON-RPC and SSE traffic until the process receives a
termination signal.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "", "override http.host from the configuration file")
	cmd.Flags().Int("port", 0, "override http.port from the configuration file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long:  "Load the configuration file named by --config and report any syntax or semantic errors.",
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return errors.New("no configuration file specified, use --config")
			}

			cfg, err := loadAndValidateConfig(configPath)
			if err != nil {
				return err
			}

			logger.Infof("✓ configuration is valid")
			logger.Infof("  name: %s", cfg.Name)
			logger.Infof("  http: %s:%d%s", cfg.HTTP.Host, cfg.HTTP.Port, cfg.HTTP.Path)
			logger.Infof("  persistence driver: %s", cfg.Persistence.Driver)
			logger.Infof("  workspace seed mode: %s", cfg.Workspace.SeedDefaultMode)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("gatewayd version: %s", version)
		},
	}
}

func loadAndValidateConfig(path string) (*gwconfig.Config, error) {
	logger.Infof("loading configuration from %s", path)
	loader := gwconfig.NewYAMLLoader(path, gwconfig.OSEnvReader{})
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}

	if err := gwconfig.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// staticTools seeds the catalog with the handful of tool names spec.md
// names explicitly (get_project_state as the canonical read-only tool,
// create_cube as the canonical viewport-mutating tool); a production
// deployment would instead generate this list from each backend's
// declared schema.
func staticTools() []mcprouter.ToolDefinition {
	return []mcprouter.ToolDefinition{
		{Name: "get_project_state", Title: "Get project state", Description: "Fetch the current state and revision of a project."},
		{Name: "create_cube", Title: "Create cube", Description: "Create a cube primitive in the active project."},
	}
}

// dispatcherExecutor adapts dispatcher.Dispatcher to worker.Executor so
// the job queue's async jobs (C4) actually invoke the tool dispatcher
// (C8) rather than existing as a disconnected state machine. Async jobs
// run with a system-level principal since they are submitted by
// backends, not by an authenticated agent session.
type dispatcherExecutor struct {
	disp *dispatcher.Dispatcher
}

func (e dispatcherExecutor) Execute(ctx context.Context, kind string, payload map[string]any) (any, error) {
	resp := e.disp.Handle(ctx, kind, payload, dispatcher.CallContext{
		SessionID: "worker",
		Principal: mcpsession.Principal{KeySpace: mcpsession.KeySpaceService, AccountID: "system", SystemRoles: []string{"system_admin"}},
	})
	if !resp.OK {
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil, errors.New("tool execution failed")
	}
	return resp.Data, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")
	if configPath == "" {
		return errors.New("no configuration file specified, use --config")
	}

	cfg, err := loadAndValidateConfig(configPath)
	if err != nil {
		return err
	}

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.HTTP.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.HTTP.Port = port
	}

	clk := clock.Real{}
	events := eventlog.New(clk)
	sessions := mcpsession.NewStore(clk)
	locks := projectlock.New(clk, events)
	projects := memstore.NewProjectStore(clk)

	seedMode := domain.WorkspaceAllOpen
	if domain.WorkspaceMode(cfg.Workspace.SeedDefaultMode) == domain.WorkspaceRBAC {
		seedMode = domain.WorkspaceRBAC
	}
	workspaces := memstore.NewWorkspaceStore(clk, seedMode, cfg.Workspace.SeedDefaultName)
	pol := policy.New(workspaces)

	reg := registry.New("engine")
	reg.Register("engine", noopbackend.New(clk))

	disp := dispatcher.New(clk, reg, pol, locks, projects, dispatcher.Options{
		LockTTL:               cfg.Lock.TTL,
		LockTimeout:           cfg.Lock.Timeout,
		LockRetryWait:         cfg.Lock.RetryWait,
		ReadOnlyTools:         map[string]bool{"get_project_state": true},
		ViewportMutatingTools: map[string]bool{"create_cube": true},
		AutoIncludeState:      true,
		AutoIncludeDiff:       true,
		AutoRetryRevision:     true,
	})

	var auth mcprouter.Authenticator
	if cfg.Auth.Anonymous {
		auth = transport.AnonymousAuthenticator{}
	} else {
		auth = transport.NewJWTAuthenticator(cfg.Auth.JWTSecret())
	}

	router := mcprouter.New(sessions, disp, catalog.NewStatic(staticTools()), nil, auth,
		[]string{"2025-06-18"}, mcprouter.ServerInfo{Name: "bbmcp-gatewayd", Version: version}, cfg.Session.MaxSSEPerSession)

	srv := transport.New(router, transport.Options{
		Addr:               net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
		Path:               cfg.HTTP.Path,
		SSEKeepAlive:       cfg.Session.SSEKeepAlive,
		RateLimitPerSecond: cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst:     cfg.RateLimit.Burst,
	})

	sweeper := mcpsession.NewSweeper(sessions, cfg.Session.TTL, cfg.Session.TTL/2)
	prober := backendregistry.NewProber(reg, clk, backendregistry.ProberOptions{})

	queue := jobqueue.New(clk, events)
	pool := worker.New(clk, clock.Real{}, queue, dispatcherExecutor{disp: disp}, worker.Options{
		Concurrency:     cfg.Job.Concurrency,
		IdleBackoff:     cfg.Job.IdleBackoff,
		HeartbeatPeriod: cfg.Job.HeartbeatPeriod,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { sweeper.Start(gctx); return nil })
	g.Go(func() error { prober.Start(gctx); return nil })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })

	logger.Infof("gatewayd listening on %s%s", net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)), cfg.HTTP.Path)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gatewayd stopped with error: %w", err)
	}
	return nil
}
