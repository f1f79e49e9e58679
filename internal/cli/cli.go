// ============================================================================
// drmlicensed CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface of the license service based on Cobra
//
// Command Structure:
//   drmlicensed                    # Root command
//   ├── run                        # Start the service (gRPC + metrics)
//   ├── renew                      # Start a renew-rights session
//   │   └── --location / --pssh / --custom-data / --follow
//   ├── initiator                  # Start a web initiator session
//   │   └── --url / --document / --follow
//   ├── cancel <session-id>        # Cancel a running session
//   ├── status                     # View service status
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --addr                     # gRPC address of a running service
//   └── --version / --help
//
// Configuration Management:
//   YAML config file read with yaml.v3, then environment overrides through viper:
//     DRMLICENSE_GRPC_ADDR, DRMLICENSE_METRICS_ADDR, DRMLICENSE_METRICS_ENABLED,
//     DRMLICENSE_STORE_DRIVER, DRMLICENSE_STORE_PATH, DRMLICENSE_SERVICE_WORKER_COUNT,
//     DRMLICENSE_LOG_LEVEL, DRMLICENSE_DRM_COMMAND
//   A missing config file at the default path is not an error; defaults are used.
//
// run Command:
//   1. Load config, configure slog
//   2. Open job store, build DRM engine / launcher / metrics collector
//   3. Start Controller (recovers unfinished sessions from the store)
//   4. errgroup: gRPC server + metrics HTTP server
//   5. SIGINT / SIGTERM → GracefulStop gRPC, stop controller
//      (running sessions are interrupted and resume on next start)
//
// Client Commands:
//   renew / initiator / cancel / status talk to a running service over gRPC.
//   With --follow the session's progress reports are printed until the final one.
//
//   Examples:
//     ./drmlicensed run -c configs/default.yaml
//     ./drmlicensed renew --location /media/movie.ismv --follow
//     ./drmlicensed initiator --url https://example.com/initiator.xml
//     ./drmlicensed cancel 1700000000123
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/controller"
	"github.com/ChuLiYu/drmlicense-service/internal/drm"
	"github.com/ChuLiYu/drmlicense-service/internal/httpclient"
	"github.com/ChuLiYu/drmlicense-service/internal/job"
	"github.com/ChuLiYu/drmlicense-service/internal/jobstore"
	"github.com/ChuLiYu/drmlicense-service/internal/metrics"
	"github.com/ChuLiYu/drmlicense-service/internal/server"
	"github.com/ChuLiYu/drmlicense-service/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "configs/default.yaml"

// Config represents the complete service configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Service struct {
		WorkerCount    int           `yaml:"worker_count"`
		QueueSize      int           `yaml:"queue_size"`
		SessionTimeout time.Duration `yaml:"session_timeout"`
		CallbackQueue  int           `yaml:"callback_queue"`
		DownloadDir    string        `yaml:"download_dir"`
	} `yaml:"service"`

	HTTP httpclient.Options `yaml:"http"`

	Store struct {
		Driver       string `yaml:"driver"` // sqlite | wal
		Path         string `yaml:"path"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
		CompactEvery int    `yaml:"compact_every"`
	} `yaml:"store"`

	DRM struct {
		Command string        `yaml:"command"` // empty: no engine, every challenge fails with -6
		Args    []string      `yaml:"args"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"drm"`

	Launcher struct {
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
	} `yaml:"launcher"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = jobstore.DriverSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/jobs.db"
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = "127.0.0.1:50051"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

var (
	configFile string
	env        = viper.New()
)

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drmlicensed",
		Short: "drmlicensed: a crash-recoverable DRM license service",
		Long: `drmlicensed runs license acquisition, domain and metering protocols with:
- a durable job stack that survives restarts
- retry / redirect aware HTTP engine
- gRPC API with streamed progress reports
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().String("addr", "", "gRPC address of the service (overrides grpc.addr)")
	mustBindFlag("grpc.addr", rootCmd.PersistentFlags().Lookup("addr"))

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildRenewCommand())
	rootCmd.AddCommand(buildInitiatorCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func init() {
	env.SetEnvPrefix("DRMLICENSE")
	env.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	env.AutomaticEnv()
}


func mustBindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := env.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// ============================================================================
// 配置載入
// ============================================================================

// loadConfig 讀取 YAML 配置並套用環境變數覆寫與預設值
func loadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath:
		// 沒有預設配置檔時只用預設值
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyOverrides(&cfg, env)
	cfg.applyDefaults()
	return &cfg, nil
}

// applyOverrides 以環境變數 / 命令列旗標覆寫配置檔的值
func applyOverrides(cfg *Config, v *viper.Viper) {
	if v.IsSet("grpc.addr") {
		cfg.GRPC.Addr = v.GetString("grpc.addr")
	}
	if v.IsSet("metrics.addr") {
		cfg.Metrics.Addr = v.GetString("metrics.addr")
	}
	if v.IsSet("metrics.enabled") {
		cfg.Metrics.Enabled = v.GetBool("metrics.enabled")
	}
	if v.IsSet("store.driver") {
		cfg.Store.Driver = v.GetString("store.driver")
	}
	if v.IsSet("store.path") {
		cfg.Store.Path = v.GetString("store.path")
	}
	if v.IsSet("service.worker_count") {
		cfg.Service.WorkerCount = v.GetInt("service.worker_count")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("drm.command") {
		cfg.DRM.Command = v.GetString("drm.command")
	}
}

// newLogger 依配置建立 slog logger
func newLogger(cfg *Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Log.Format)
	}
}

// ============================================================================
// run 命令
// ============================================================================

// shutdownGrace GracefulStop 等待串流結束的上限
const shutdownGrace = 5 * time.Second

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the license service",
		Long:  "Start the gRPC license service, recover unfinished sessions and expose metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
			}
			return serve(ctx, cfg, lis, logger)
		},
	}
	return cmd
}

// serve 組裝並執行整個服務，直到 ctx 結束
//
// 參數：
//   - ctx: 結束時優雅關閉（執行中的工作階段被中斷，下次啟動時復原）
//   - cfg: 已套用預設值的配置
//   - lis: gRPC listener，serve 負責關閉
//   - logger: 所有元件共用的 logger，nil 時使用 slog.Default()
func serve(ctx context.Context, cfg *Config, lis net.Listener, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Store.Driver == jobstore.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			lis.Close()
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	store, err := jobstore.Open(jobstore.Config{
		Driver:       cfg.Store.Driver,
		Path:         cfg.Store.Path,
		SyncOnAppend: cfg.Store.SyncOnAppend,
		CompactEvery: cfg.Store.CompactEvery,
		Logger:       logger,
	})
	if err != nil {
		lis.Close()
		return fmt.Errorf("failed to open job store: %w", err)
	}

	var engine drm.Engine = drm.Unavailable{}
	if cfg.DRM.Command != "" {
		engine = &drm.Command{Path: cfg.DRM.Command, Args: cfg.DRM.Args, Timeout: cfg.DRM.Timeout, Logger: logger}
	}
	var launcher job.Launcher
	if cfg.Launcher.Command != "" {
		launcher = &job.CommandLauncher{Command: cfg.Launcher.Command, Args: cfg.Launcher.Args}
	}
	collector := metrics.NewCollector(nil)

	ctrl := controller.NewController(controller.Config{
		WorkerCount:    cfg.Service.WorkerCount,
		QueueSize:      cfg.Service.QueueSize,
		SessionTimeout: cfg.Service.SessionTimeout,
		CallbackQueue:  cfg.Service.CallbackQueue,
		HTTP:           cfg.HTTP,
		Store:          store,
		DRM:            engine,
		Launcher:       launcher,
		DownloadDir:    cfg.Service.DownloadDir,
		Metrics:        collector,
		Logger:         logger,
	})
	if err := ctrl.Start(ctx); err != nil {
		ctrl.Stop()
		lis.Close()
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	gs := server.NewServer(ctrl, logger).Register()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := gs.Serve(lis); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			return collector.Serve(gctx, cfg.Metrics.Addr)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			gs.Stop()
		}
		return nil
	})

	logger.Info("service started")
	return g.Wait()
}

// ============================================================================
// 客戶端命令
// ============================================================================

// httpFlags 客戶端命令共用的 HTTP 參數旗標
type httpFlags struct {
	cmd           *cobra.Command
	timeout       time.Duration
	retryLimit    int
	redirectLimit int
	userAgent     string
}

func addHTTPFlags(cmd *cobra.Command) *httpFlags {
	h := &httpFlags{cmd: cmd}
	cmd.Flags().DurationVar(&h.timeout, "timeout", 0, "per-request HTTP timeout")
	cmd.Flags().IntVar(&h.retryLimit, "retry-limit", 0, "HTTP retry limit")
	cmd.Flags().IntVar(&h.redirectLimit, "redirect-limit", 0, "HTTP redirect limit")
	cmd.Flags().StringVar(&h.userAgent, "user-agent", "", "HTTP User-Agent")
	return h
}

// options 沒有設定任何 HTTP 旗標時回傳 nil
func (h *httpFlags) options() *httpclient.Options {
	f := h.cmd.Flags()
	if !f.Changed("timeout") && !f.Changed("retry-limit") && !f.Changed("redirect-limit") && !f.Changed("user-agent") {
		return nil
	}
	return &httpclient.Options{
		Timeout:       h.timeout,
		RetryLimit:    h.retryLimit,
		RedirectLimit: h.redirectLimit,
		UserAgent:     h.userAgent,
	}
}

func dial() (*server.Client, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := server.Dial(cfg.GRPC.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.GRPC.Addr, err)
	}
	return client, nil
}

func buildRenewCommand() *cobra.Command {
	var location, pssh, customData string
	var follow bool
	var h *httpFlags

	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew license rights for protected content",
		Long:  "Read the license header from a file, URL or base64 PSSH and acquire a license for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if location == "" && pssh == "" {
				return errors.New("one of --location or --pssh is required")
			}
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			id, err := client.RenewRights(cmd.Context(), location, pssh, customData, h.options())
			if err != nil {
				return fmt.Errorf("renew failed: %w", err)
			}
			return started(cmd, client, id, follow)
		},
	}

	cmd.Flags().StringVarP(&location, "location", "l", "", "content file path or URL")
	cmd.Flags().StringVar(&pssh, "pssh", "", "base64 protection system header")
	cmd.Flags().StringVar(&customData, "custom-data", "", "custom data sent to the license server")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print progress reports until the session ends")
	h = addHTTPFlags(cmd)
	return cmd
}

func buildInitiatorCommand() *cobra.Command {
	var url, documentFile string
	var follow bool
	var h *httpFlags

	cmd := &cobra.Command{
		Use:   "initiator",
		Short: "Process a web initiator document",
		Long:  "Fetch (or read from a file) a web initiator document and run every item it contains",
		RunE: func(cmd *cobra.Command, args []string) error {
			var document string
			if documentFile != "" {
				data, err := os.ReadFile(documentFile)
				if err != nil {
					return fmt.Errorf("failed to read initiator document: %w", err)
				}
				document = string(data)
			}
			if url == "" && document == "" {
				return errors.New("one of --url or --document is required")
			}

			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			id, err := client.ProcessWebInitiator(cmd.Context(), url, document, h.options())
			if err != nil {
				return fmt.Errorf("initiator failed: %w", err)
			}
			return started(cmd, client, id, follow)
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "", "web initiator URL")
	cmd.Flags().StringVarP(&documentFile, "document", "d", "", "web initiator XML file")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print progress reports until the session ends")
	h = addHTTPFlags(cmd)
	return cmd
}

func buildCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q: %w", args[0], err)
			}
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Cancel(cmd.Context(), id); err != nil {
				return fmt.Errorf("cancel failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %d: cancel requested\n", id)
			return nil
		},
	}
	return cmd
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Long:  "Display worker usage and the sessions currently known to the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			printStatus(cmd.OutOrStdout(), st, time.Now())
			return nil
		},
	}
	return cmd
}

// ============================================================================
// 輸出
// ============================================================================

func started(cmd *cobra.Command, client *server.Client, id int64, follow bool) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %d started\n", id)
	if !follow {
		return nil
	}
	return client.Subscribe(cmd.Context(), id, func(r types.Report) error {
		fmt.Fprintln(out, formatReport(r))
		return nil
	})
}

// formatReport 一行一個回報，參數依鍵排序
func formatReport(r types.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %d: %s success=%t", r.SessionID, r.State, r.Success)

	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, formatParam(r.Params[k]))
	}
	return b.String()
}

func formatParam(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprint(v)
}

func printStatus(w io.Writer, st server.StatusInfo, now time.Time) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           drmlicensed Service Status                      ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Service:")
	fmt.Fprintf(w, "  ├─ Started:  %s\n", humanize.Time(now.Add(-st.Uptime)))
	fmt.Fprintf(w, "  └─ Workers:  %d busy / %d total\n", st.Busy, st.Workers)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Sessions (%s):\n", humanize.Comma(int64(len(st.Sessions))))
	if len(st.Sessions) == 0 {
		fmt.Fprintln(w, "  └─ none")
		return
	}
	for i, s := range st.Sessions {
		branch := "├─"
		if i == len(st.Sessions)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %d  %-14s %-9s pending=%s  created %s\n",
			branch, s.ID, s.Kind, s.State, humanize.Comma(int64(s.Pending)), humanize.Time(time.UnixMilli(s.ID)))
	}
}
