package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/ijave/internal/bus"
	"github.com/basket/ijave/internal/config"
	"github.com/basket/ijave/internal/engine"
	"github.com/basket/ijave/internal/gateway"
	"github.com/basket/ijave/internal/generate"
	otelPkg "github.com/basket/ijave/internal/otel"
	"github.com/basket/ijave/internal/persistence"
	"github.com/basket/ijave/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [serve]                  Start the HTTP server and the engine (default)
  %s engine                   Run the generation engine on stdin/stdout
  %s dump                     Print every project, prompt and image
  %s status                   Show server health status (/healthz)
  %s loglevel <level>         Change the log level of a running server
  %s doctor [-json]           Diagnose the installation

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  IJAVE_HOME              Data directory (default: ~/.ijave)
  IJAVE_BIND_ADDR         Listen address (default: 127.0.0.1:8421)
  IJAVE_LOG_LEVEL         debug, info, warn or error
  IJAVE_ENGINE_COMMAND    Engine executable (default: this binary with "engine")
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := "serve"
	var args []string
	if a := flag.Args(); len(a) > 0 {
		cmd, args = strings.ToLower(strings.TrimSpace(a[0])), a[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "serve":
		runServe(ctx, *quiet)
	case "engine":
		os.Exit(runEngineCommand(ctx, args))
	case "dump":
		os.Exit(runDumpCommand(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "loglevel":
		os.Exit(runLogLevelCommand(args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runServe(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	level := telemetry.LevelVar(cfg.LogLevel)
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, Version)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DatabasePath(), logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath())

	broker := bus.New()
	broker.SetObserver(metrics)

	engineCmd, err := engineCommand(cfg.Engine)
	if err != nil {
		fatalStartup(logger, "E_ENGINE_COMMAND", err)
	}
	supervisor := engine.NewSupervisor(engineCmd, logger)
	if err := supervisor.Start(); err != nil {
		fatalStartup(logger, "E_ENGINE_LAUNCH", err)
	}
	defer supervisor.Close()
	logger.Info("startup phase", "phase", "engine_started", "pid", supervisor.Pid())

	resumeSpec := cfg.Generation.ResumeSpec
	if cfg.ResumeDisabled() {
		resumeSpec = ""
	}
	service := generate.NewService(generate.Config{
		Store:        store,
		Engine:       supervisor,
		Broker:       broker,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
		ResumeSpec:   resumeSpec,
		StepTimeout:  time.Duration(cfg.Engine.StepTimeoutSeconds) * time.Second,
		AutoContinue: cfg.Generation.AutoContinue,
	})
	if err := service.Start(ctx); err != nil {
		fatalStartup(logger, "E_EXECUTOR_START", err)
	}
	logger.Info("startup phase", "phase", "executor_started", "resume", resumeSpec)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config reload rejected; retaining previous config", "error", err)
				continue
			}
			if next.LogLevel != cfg.LogLevel {
				level.Set(telemetry.ParseLevel(next.LogLevel))
				logger.Info("log level hot-reloaded", "level", next.LogLevel)
				cfg.LogLevel = next.LogLevel
			}
			if next.Fingerprint() != cfg.Fingerprint() {
				logger.Warn("config changed; restart to apply", "config_fingerprint", next.Fingerprint())
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Service:           service,
		Broker:            broker,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		Telemetry:         otelProvider,
		AllowOrigins:      cfg.AllowOrigins,
		NotifyTimeout:     cfg.NotifyTimeout(),
		MaxUploadBytes:    cfg.MaxUploadBytes,
		Steps:             cfg.Generation.Steps,
		Strength:          cfg.Generation.Strength,
		ConfigFingerprint: cfg.Fingerprint(),
		CORS:              cfg.CORS,
		RateLimit:         cfg.RateLimit,
	})
	gw.StartEviction(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first so no new steps are scheduled, then let the running
	// step finish before the engine and the store go away.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	service.Stop()
	logger.Info("shutdown complete")
}

// engineCommand resolves the engine executable. Without a configured command
// this binary is started in engine mode.
func engineCommand(cfg config.EngineConfig) (engine.Command, error) {
	cmd := engine.Command{
		Path:      cfg.Command,
		Args:      cfg.Args,
		Env:       cfg.Env,
		ExitGrace: time.Duration(cfg.ExitGraceSeconds) * time.Second,
	}
	if cmd.Path != "" {
		return cmd, nil
	}
	self, err := os.Executable()
	if err != nil {
		return engine.Command{}, fmt.Errorf("resolve executable: %w", err)
	}
	cmd.Path = self
	cmd.Args = append([]string{"engine"}, cfg.Args...)
	return cmd, nil
}

// runEngineCommand serves the engine protocol on stdio. Logs go to stderr,
// which the server forwards into its own log.
func runEngineCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: ijave engine")
		return 2
	}
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		fmt.Fprintln(os.Stderr, "ijave engine speaks a binary protocol on stdin; it is started by the server")
		return 2
	}
	level := telemetry.LevelVar(os.Getenv("IJAVE_LOG_LEVEL"))
	logger := telemetry.NewStderrLogger(level)
	if err := engine.Serve(ctx, os.Stdin, os.Stdout, engine.NoiseGenerator{}, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine failed", "error", err)
		return 1
	}
	return 0
}

func runLogLevelCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ijave loglevel <debug|info|warn|error>")
		return 2
	}
	if err := config.SetLogLevel(config.HomeDir(), args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "loglevel: %v\n", err)
		return 1
	}
	fmt.Printf("log_level set to %s in %s\n", strings.ToLower(args[0]), config.ConfigPath(config.HomeDir()))
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}
