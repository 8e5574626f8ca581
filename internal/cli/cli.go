// ============================================================================
// SDK Runtime CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 啟動參考伺服器、模擬 host session、查看持久化的 runtime 狀態
//
// 命令結構:
//   sdkd                           # 根命令
//   ├── backend                    # 啟動參考伺服器
//   │   ├── --http                 # HTTP 監聽位址（gin）
//   │   ├── --grpc                 # gRPC 監聽位址
//   │   ├── --key                  # 接受的 API key（可重複）
//   │   └── --param                # 推送給 client 的 server 參數
//   ├── simulate                   # 執行腳本化的 host session
//   │   └── --embedded             # 啟動程序內的 backend
//   ├── status                     # 顯示持久化狀態
//   ├── optout                     # 退出追蹤
//   │   └── --in                   # 重新加入
//   ├── --config, -c               # 設定檔（所有命令）
//   └── --version
//
// simulate 流程:
//   1. 載入設定，建立 Runtime
//   2. metrics.enabled 時提供 /metrics
//   3. 前景啟動、service 啟動、push token、屬性
//   4. 前景切到背景 / 結束，service 銷毀
//   5. 等待 FINISHING -> OFF，回報 webservice 指標
//
//   範例:
//     ./sdkd backend --grpc :50051 &
//     ./sdkd simulate -c configs/default.yaml
//     ./sdkd simulate --embedded
//
// 信號處理:
//   backend 與 simulate 收到 SIGINT / SIGTERM 時停止
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/backend"
	"github.com/ChuLiYu/sdk-runtime/internal/config"
	"github.com/ChuLiYu/sdk-runtime/internal/identity"
	"github.com/ChuLiYu/sdk-runtime/internal/lifecycle"
	"github.com/ChuLiYu/sdk-runtime/internal/logging"
	"github.com/ChuLiYu/sdk-runtime/internal/sdk"
	"github.com/ChuLiYu/sdk-runtime/internal/store"
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
	"github.com/spf13/cobra"
)

var configFile string

// BuildCLI creates the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sdkd",
		Short: "sdkd: runtime core of the mobile SDK",
		Long: `sdkd drives the SDK runtime core outside of a mobile host:
- lifecycle state machine (OFF / READY / FINISHING)
- batched query webservices over gRPC or HTTP/2
- reference backend for local testing
- Prometheus metrics`,
		Version:       identity.SDKVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildBackendCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildOptOutCommand())

	return rootCmd
}

// ============================================================================
// backend
// ============================================================================

type backendOptions struct {
	httpAddr string
	grpcAddr string
	keys     []string
	params   map[string]string
}

func buildBackendCommand() *cobra.Command {
	opts := &backendOptions{}

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve the reference webservice backend",
		Long:  "Serve the reference backend over HTTP (gin) and/or gRPC until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBackend(ctx, opts, newLogger(nil))
		},
	}

	cmd.Flags().StringVar(&opts.httpAddr, "http", ":8080", "HTTP listen address, empty to disable")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", ":50051", "gRPC listen address, empty to disable")
	cmd.Flags().StringSliceVar(&opts.keys, "key", nil, "accepted API keys (default: any key)")
	cmd.Flags().StringToStringVar(&opts.params, "param", nil, "server parameters pushed to clients")

	return cmd
}

func runBackend(ctx context.Context, opts *backendOptions, log *slog.Logger) error {
	if opts.httpAddr == "" && opts.grpcAddr == "" {
		return errors.New("at least one of --http or --grpc is required")
	}

	b := backend.New(opts.keys...)
	for k, v := range opts.params {
		b.SetParameter(k, v)
	}

	errCh := make(chan error, 2)

	var httpSrv *http.Server
	if opts.httpAddr != "" {
		lis, err := net.Listen("tcp", opts.httpAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", opts.httpAddr, err)
		}
		httpSrv = &http.Server{Handler: backend.HTTPHandler(b), ReadHeaderTimeout: 10 * time.Second}
		log.Info("HTTP backend listening", "addr", lis.Addr().String())
		go func() {
			if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http backend: %w", err)
			}
		}()
	}

	if opts.grpcAddr != "" {
		lis, err := net.Listen("tcp", opts.grpcAddr)
		if err != nil {
			if httpSrv != nil {
				_ = httpSrv.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", opts.grpcAddr, err)
		}
		grpcSrv := backend.NewGRPCServer(b)
		log.Info("gRPC backend listening", "addr", lis.Addr().String())
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc backend: %w", err)
			}
		}()
		defer grpcSrv.GracefulStop()
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down backend")
	case err := <-errCh:
		return err
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// ============================================================================
// simulate
// ============================================================================

func buildSimulateCommand() *cobra.Command {
	var embedded bool

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted host session against the backend",
		Long:  "Drive foreground and service start/stop signals through the runtime and print every transition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return simulate(ctx, cfg, embedded, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&embedded, "embedded", false, "start an in-process HTTP backend and point the runtime at it")
	return cmd
}

func simulate(ctx context.Context, cfg *config.Config, embedded bool, out io.Writer) error {
	log := newLogger(cfg)

	if embedded {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to start embedded backend: %w", err)
		}
		srv := &http.Server{Handler: backend.HTTPHandler(backend.New()), ReadHeaderTimeout: 10 * time.Second}
		go func() { _ = srv.Serve(lis) }()
		defer srv.Close()

		cfg.Transport.Kind = config.TransportHTTP
		cfg.Transport.Endpoint = "http://" + lis.Addr().String()
		if cfg.APIKey == "" {
			cfg.APIKey = "EMBEDDED"
		}
	}

	rt, err := sdk.New(cfg, sdk.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer rt.Close()

	if cfg.Metrics.Enabled {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		defer stopMetrics()
		go func() {
			if err := rt.Collector().StartServer(metricsCtx, cfg.Metrics.Port); err != nil {
				log.Warn("Metrics server error", "error", err)
			}
		}()
		fmt.Fprintf(out, "📡 Metrics on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	}

	return runScript(ctx, rt, out)
}

// runScript plays one host session: a user-facing activity with a bound
// service, a sub-screen round trip, then shutdown.
func runScript(ctx context.Context, rt *sdk.Runtime, out io.Writer) error {
	home := lifecycle.Host{ID: "MainActivity", Kind: types.HostForeground}
	detail := lifecycle.Host{ID: "DetailActivity", Kind: types.HostForeground}
	svc := lifecycle.Host{ID: "SyncService", Kind: types.HostService}

	step := func(name string, result fmt.Stringer) {
		fmt.Fprintf(out, "  %-40s -> %-16s [%s]\n", name, result, rt.Lifecycle().State())
	}

	fmt.Fprintln(out, "▶ Host session")
	step("start MainActivity (user)", rt.Start(lifecycle.StartRequest{Host: home, UserFacing: true}))
	step("start SyncService", rt.Start(lifecycle.StartRequest{Host: svc}))

	if _, err := rt.PushToken("sim-token-" + rt.InstallationID()[:8]).Wait(ctx); err != nil {
		fmt.Fprintf(out, "  push token failed: %v\n", err)
	}
	if _, err := rt.Dispatch().AttributesSend(1, map[string]any{"plan": "simulated"}).Wait(ctx); err != nil {
		fmt.Fprintf(out, "  attributes failed: %v\n", err)
	}

	step("stop MainActivity (covered)", rt.Stop(lifecycle.StopRequest{Host: home}))
	step("start DetailActivity (user)", rt.Start(lifecycle.StartRequest{Host: detail, UserFacing: true}))
	step("stop DetailActivity (finishing)", rt.Stop(lifecycle.StopRequest{Host: detail, HostFinishing: true}))
	step("destroy SyncService", rt.Stop(lifecycle.StopRequest{Host: svc, Force: true}))

	if err := waitForState(ctx, rt, types.StateOff); err != nil {
		return err
	}
	fmt.Fprintf(out, "  %-40s    %-16s [%s]\n", "queue drained", "", rt.Lifecycle().State())

	if err := rt.WaitIdle(ctx); err != nil {
		return err
	}
	set, err := rt.ReportMetrics().Wait(ctx)
	if err != nil {
		fmt.Fprintf(out, "  metrics report failed: %v\n", err)
	} else {
		fmt.Fprintf(out, "  metrics reported in %d response(s)\n", set.Len())
	}

	if suspended, reason := rt.Dispatch().Suspended(); suspended {
		fmt.Fprintf(out, "⚠️  Webservices suspended: %s (check the API key)\n", reason)
	}
	fmt.Fprintln(out, "✅ Simulation finished")
	return nil
}

func waitForState(ctx context.Context, rt *sdk.Runtime, want types.RuntimeState) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for rt.Lifecycle().State() != want {
		select {
		case <-ctx.Done():
			return fmt.Errorf("runtime did not reach %s: %w", want, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// ============================================================================
// status / optout
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show persisted runtime status",
		Long:  "Display configuration and the values kept in the runtime store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cfg, cmd.OutOrStdout())
		},
	}
}

func showStatus(cfg *config.Config, out io.Writer) error {
	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	values, err := st.All()
	if err != nil {
		return fmt.Errorf("failed to read store: %w", err)
	}

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           SDK Runtime Status                              ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Transport:     %s %s\n", cfg.Transport.Kind, cfg.Transport.Endpoint)
	fmt.Fprintf(out, "  ├─ API Key:       %s\n", maskKey(cfg.APIKey))
	fmt.Fprintf(out, "  └─ Store:         %s %s\n", cfg.Store.Kind, cfg.Store.Path)
	fmt.Fprintln(out)

	opted, _ := store.GetBool(st, store.KeyOptedOut)
	fmt.Fprintln(out, "🪪 Installation:")
	fmt.Fprintf(out, "  ├─ Installation:  %s\n", orDash(values[store.KeyInstallationID]))
	fmt.Fprintf(out, "  ├─ Server ID:     %s\n", orDash(values[store.KeyServerInstallationID]))
	fmt.Fprintf(out, "  ├─ App Version:   %s\n", orDash(values[store.KeyAppVersion]))
	fmt.Fprintf(out, "  └─ Opted Out:     %t\n", opted)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "⏱  Lifecycle:")
	if t, ok, err := store.GetTime(st, store.KeyLastUserStart); err == nil && ok {
		fmt.Fprintf(out, "  └─ Last User Start: %s\n", t.Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "  └─ Last User Start: -")
	}
	fmt.Fprintln(out)

	params, err := store.ServerParams(st)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "🛰  Server Parameters:")
	if len(params) == 0 {
		fmt.Fprintln(out, "  └─ (none)")
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	for i, k := range names {
		branch := "├─"
		if i == len(names)-1 {
			branch = "└─"
		}
		fmt.Fprintf(out, "  %s %s = %s\n", branch, k, params[k])
	}
	return nil
}

func buildOptOutCommand() *cobra.Command {
	var optIn bool

	cmd := &cobra.Command{
		Use:   "optout",
		Short: "Opt this installation out of the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return setOptOut(cfg, !optIn, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&optIn, "in", false, "opt back in")
	return cmd
}

func setOptOut(cfg *config.Config, optedOut bool, out io.Writer) error {
	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if optedOut {
		err = store.SetBool(st, store.KeyOptedOut, true)
	} else {
		err = st.Delete(store.KeyOptedOut)
	}
	if err != nil {
		return fmt.Errorf("failed to update opt-out: %w", err)
	}

	if optedOut {
		fmt.Fprintln(out, "Opted out: the runtime will ignore start signals")
	} else {
		fmt.Fprintln(out, "Opted in")
	}
	return nil
}

// ============================================================================
// helpers
// ============================================================================

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg == nil {
		return logging.New("info", "text", os.Stderr)
	}
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
