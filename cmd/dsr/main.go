package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/dsr/internal/alert"
	"github.com/cuemby/dsr/internal/api"
	"github.com/cuemby/dsr/internal/config"
	"github.com/cuemby/dsr/internal/engine"
	"github.com/cuemby/dsr/internal/gateway"
	"github.com/cuemby/dsr/internal/log"
	"github.com/cuemby/dsr/internal/metrics"
	"github.com/cuemby/dsr/internal/reconciler"
	"github.com/cuemby/dsr/internal/registry"
	"github.com/cuemby/dsr/internal/rollout"
	"github.com/cuemby/dsr/internal/store"
)

var (
	// Version information (set via ldflags during build).
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// enteredRunE is set by rootCmd's PersistentPreRunE, which cobra only
// calls once argument-count and flag validation have both succeeded.
// Any error returned before that point (unknown command, unknown flag,
// wrong number of positional args) is an invocation error; any error
// after it comes from a subcommand's own RunE body (an API error
// response, or a daemon startup failure for "serve"). This mirrors the
// original CLI's argparse-driven split between SystemExit(2) for bad
// invocations and `return 0 if r.ok else 1` for API results.
var enteredRunE bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if enteredRunE {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dsr",
	Short: "dsr - single-node service reconciler and rollout controller",
	Long: `dsr reconciles declared service versions against running containers,
self-heals failed instances, and drives weighted canary/blue-green rollouts
behind a small L7 gateway.

Run "dsr serve" to start the daemon; every other subcommand is a thin HTTP
client against its control API.`,
	Version: Version,
	// Cobra's own usage/error printing is replaced by main()'s exit-code
	// logic, so neither should also print.
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		enteredRunE = true
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dsr version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("api", "http://localhost:8080", "Base URL of a running 'dsr serve' control API")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(scaleCmd)
	rootCmd.AddCommand(weightCmd)
	rootCmd.AddCommand(retireCmd)
	rootCmd.AddCommand(rolloutCmd)
	rootCmd.AddCommand(eventsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// --- serve: the long-running daemon ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciler, rollout coordinator, control API, and gateway",
	RunE:  runServe,
}

var (
	serveAddr        string
	serveGatewayAddr string
	serveMetricsAddr string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "control API listen address")
	serveCmd.Flags().StringVar(&serveGatewayAddr, "gateway-addr", ":8000", "L7 gateway listen address")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := log.WithComponent("serve")

	var st store.Store
	if cfg.DBPath == ":memory:" {
		st = store.NewMemStore()
	} else {
		bolt, err := store.NewBoltStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		st = bolt
	}
	defer st.Close()

	eng, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.EnsureNetwork(ctx); err != nil {
		logger.Warn().Err(err).Msg("ensure network failed, continuing degraded")
	}

	reg := registry.New()
	notifier := alert.New(cfg)
	rec := reconciler.New(st, reg, eng, notifier, cfg)
	rec.Start()
	defer rec.Stop()

	rc := rollout.New(st, reg)

	apiSrv := api.New(st, reg, rc)
	httpSrv := &http.Server{Addr: serveAddr, Handler: apiSrv.Handler()}

	gw := gateway.New(reg, st, time.Duration(cfg.GatewayTimeoutS)*time.Second)
	gatewaySrv := &http.Server{Addr: serveGatewayAddr, Handler: gw}

	metricsSrv := &http.Server{Addr: serveMetricsAddr, Handler: metrics.Handler()}

	errCh := make(chan error, 3)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	go func() { errCh <- gatewaySrv.ListenAndServe() }()
	go func() { errCh <- metricsSrv.ListenAndServe() }()

	logger.Info().
		Str("api_addr", serveAddr).
		Str("gateway_addr", serveGatewayAddr).
		Str("metrics_addr", serveMetricsAddr).
		Str("engine", cfg.Engine).
		Msg("dsr serve started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = gatewaySrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

func newEngine(cfg config.Config) (engine.Engine, error) {
	switch cfg.Engine {
	case "containerd":
		return engine.NewContainerdEngine("")
	default:
		return engine.NewDockerEngine(cfg.DockerNetwork)
	}
}

// --- thin HTTP-client CLI subcommands ---

// intPositionalArg validates that args[index] parses as an integer. It
// runs during cobra's own argument validation, before PersistentPreRunE,
// so a bad value is treated as an invocation error (exit 2) the same way
// argparse's type=int does in the original CLI.
func intPositionalArg(index int, name string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.Atoi(args[index]); err != nil {
			return fmt.Errorf("invalid %s %q: must be an integer", name, args[index])
		}
		return nil
	}
}

func apiBase(cmd *cobra.Command) string {
	base, _ := cmd.Flags().GetString("api")
	if base == "" {
		base, _ = rootCmd.PersistentFlags().GetString("api")
	}
	return base
}

func httpJSON(method, url string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %s", resp.Status, string(out))
	}
	return out, nil
}

func printJSON(raw []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(pretty.String())
}

var (
	registerImage      string
	registerPort       int
	registerHealthPath string
	registerReplicas   int
	registerWeight     int
	registerState      string
)

var registerCmd = &cobra.Command{
	Use:   "register <service> <version>",
	Short: "Register or update a service version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"service":       args[0],
			"version":       args[1],
			"image":         registerImage,
			"internal_port": registerPort,
			"health_path":   registerHealthPath,
			"replicas":      registerReplicas,
			"weight":        registerWeight,
			"state":         registerState,
		}
		raw, err := httpJSON(http.MethodPost, apiBase(cmd)+"/services", body)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerImage, "image", "", "container image reference")
	registerCmd.Flags().IntVar(&registerPort, "port", 0, "internal container port")
	registerCmd.Flags().StringVar(&registerHealthPath, "health-path", "/health", "health check path")
	registerCmd.Flags().IntVar(&registerReplicas, "replicas", 1, "desired replica count")
	registerCmd.Flags().IntVar(&registerWeight, "weight", 100, "routing weight (0-100)")
	registerCmd.Flags().StringVar(&registerState, "state", "active", "version state (active, candidate, retired)")
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List services and their versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := httpJSON(http.MethodGet, apiBase(cmd)+"/services", nil)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var scaleCmd = &cobra.Command{
	Use:   "scale <service> <version> <replicas>",
	Short: "Set the desired replica count of a version",
	Args:  cobra.MatchAll(cobra.ExactArgs(3), intPositionalArg(2, "replicas")),
	RunE: func(cmd *cobra.Command, args []string) error {
		replicas, _ := strconv.Atoi(args[2])
		u := fmt.Sprintf("%s/services/%s/versions/%s/scale", apiBase(cmd), args[0], args[1])
		raw, err := httpJSON(http.MethodPost, u, map[string]any{"replicas": replicas})
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var weightCmd = &cobra.Command{
	Use:   "weight <service> <version> <weight>",
	Short: "Set the routing weight of a version",
	Args:  cobra.MatchAll(cobra.ExactArgs(3), intPositionalArg(2, "weight")),
	RunE: func(cmd *cobra.Command, args []string) error {
		weight, _ := strconv.Atoi(args[2])
		u := fmt.Sprintf("%s/services/%s/versions/%s/weight", apiBase(cmd), args[0], args[1])
		raw, err := httpJSON(http.MethodPost, u, map[string]any{"weight": weight})
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var retireCmd = &cobra.Command{
	Use:   "retire <service> <version>",
	Short: "Retire a version (zero weight and replicas)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := fmt.Sprintf("%s/services/%s/versions/%s/retire", apiBase(cmd), args[0], args[1])
		raw, err := httpJSON(http.MethodPost, u, nil)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List the most recent audit events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		u := fmt.Sprintf("%s/events?limit=%d", apiBase(cmd), limit)
		raw, err := httpJSON(http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 20, "maximum number of events to return")
}

// --- rollout subcommands ---

var rolloutCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Manage service rollouts",
}

var (
	rolloutImage         string
	rolloutPort          int
	rolloutHealthPath    string
	rolloutReplicas      int
	rolloutStrategy      string
	rolloutCanaryWeight  int
	rolloutStepPercent   int
	rolloutStepIntervalS int
	rolloutManual        bool
	rolloutMaxWaitS      int
)

var rolloutStartCmd = &cobra.Command{
	Use:   "start <service> <to-version>",
	Short: "Start a rollout to a new version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"to_version":      args[1],
			"image":           rolloutImage,
			"internal_port":   rolloutPort,
			"health_path":     rolloutHealthPath,
			"replicas":        rolloutReplicas,
			"strategy":        rolloutStrategy,
			"canary_weight":   rolloutCanaryWeight,
			"step_percent":    rolloutStepPercent,
			"step_interval_s": rolloutStepIntervalS,
			"auto":            !rolloutManual,
			"max_wait_s":      rolloutMaxWaitS,
		}
		u := fmt.Sprintf("%s/services/%s/rollout", apiBase(cmd), args[0])
		raw, err := httpJSON(http.MethodPost, u, body)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var rolloutContinueCmd = &cobra.Command{
	Use:   "continue <rollout-id>",
	Short: "Advance a manual rollout by one step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := fmt.Sprintf("%s/rollouts/%s/continue", apiBase(cmd), args[0])
		raw, err := httpJSON(http.MethodPost, u, nil)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

var rolloutListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known rollouts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := httpJSON(http.MethodGet, apiBase(cmd)+"/rollouts", nil)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

func init() {
	rolloutStartCmd.Flags().StringVar(&rolloutImage, "image", "", "container image reference for the new version")
	rolloutStartCmd.Flags().IntVar(&rolloutPort, "port", 0, "internal container port")
	rolloutStartCmd.Flags().StringVar(&rolloutHealthPath, "health-path", "/health", "health check path")
	rolloutStartCmd.Flags().IntVar(&rolloutReplicas, "replicas", 0, "replica count for the new version (0 means 1)")
	rolloutStartCmd.Flags().StringVar(&rolloutStrategy, "strategy", "canary", "rollout strategy: canary or blue-green")
	rolloutStartCmd.Flags().IntVar(&rolloutCanaryWeight, "canary-weight", 10, "initial canary weight percent")
	rolloutStartCmd.Flags().IntVar(&rolloutStepPercent, "step-percent", 25, "weight increment per step")
	rolloutStartCmd.Flags().IntVar(&rolloutStepIntervalS, "step-interval-s", 15, "seconds between automatic steps")
	rolloutStartCmd.Flags().BoolVar(&rolloutManual, "manual", false, "pause after each step; advance with 'rollout continue' (default: auto)")
	rolloutStartCmd.Flags().IntVar(&rolloutMaxWaitS, "max-wait-s", 120, "max seconds to wait for the candidate to become healthy before failing")

	rolloutCmd.AddCommand(rolloutStartCmd)
	rolloutCmd.AddCommand(rolloutContinueCmd)
	rolloutCmd.AddCommand(rolloutListCmd)
}
