package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/pulse/internal/agent"
	"github.com/basket/pulse/internal/audit"
	"github.com/basket/pulse/internal/bus"
	"github.com/basket/pulse/internal/config"
	"github.com/basket/pulse/internal/cron"
	"github.com/basket/pulse/internal/dispatch"
	"github.com/basket/pulse/internal/gateway"
	otelPkg "github.com/basket/pulse/internal/otel"
	"github.com/basket/pulse/internal/persistence"
	"github.com/basket/pulse/internal/ratelimit"
	"github.com/basket/pulse/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const retentionInterval = 6 * time.Hour

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: pulse [flags] <command> [args]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  daemon                              run the heartbeat daemon (same as -daemon)")
	fmt.Fprintln(w, "  init                                write a starter config.yaml")
	fmt.Fprintln(w, "  status                              query the running daemon's /healthz")
	fmt.Fprintln(w, "  agents                              list agents")
	fmt.Fprintln(w, "  runs <agent-id>                     recent runs of one agent")
	fmt.Fprintln(w, "  agent enable|disable|restart <id>   control one agent")
	fmt.Fprintln(w, "  remind add <RFC3339|+duration> <message>")
	fmt.Fprintln(w, "  remind cancel <id>")
	fmt.Fprintln(w, "  remind list")
	fmt.Fprintln(w, "  fires                               recent scheduler fires")
	fmt.Fprintln(w, "  pause clear                         lift the global rate-limit pause")
	fmt.Fprintln(w, "  backup <dest>                       copy the database to dest")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags:")
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
}

func main() {
	daemonFlag := flag.Bool("daemon", false, "run the heartbeat daemon")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	if *versionFlag {
		fmt.Println("pulse", Version)
		return
	}

	loadDotEnv(".env")
	tableOutput = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
			runDaemon(ctx)
			return
		case "init":
			os.Exit(runInitCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "agents":
			os.Exit(runAgentsCommand(ctx, args[1:]))
		case "runs":
			os.Exit(runRunsCommand(ctx, args[1:]))
		case "agent":
			os.Exit(runAgentCommand(ctx, args[1:]))
		case "remind":
			os.Exit(runRemindCommand(ctx, args[1:]))
		case "fires":
			os.Exit(runFiresCommand(ctx, args[1:]))
		case "pause":
			os.Exit(runPauseCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "help":
			printUsage(os.Stdout)
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage(os.Stderr)
			os.Exit(2)
		}
	}

	if !*daemonFlag {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		path, err := config.WriteStarter(cfg.HomeDir)
		if err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		fmt.Fprintf(os.Stderr, "wrote starter config to %s (agents start disabled)\n", path)
		if cfg, err = config.Load(); err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	// Audit first so a logger failure still leaves a fatal entry.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	quietLogs := tableOutput && os.Getenv("PULSE_VERBOSE") == ""
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_hash", cfg.Fingerprint())
	if cfg.AuthToken == "" && !isLoopback(cfg.BindAddr) {
		logger.Warn("auth_token is empty on a non-loopback bind; the operator API is open", "bind_addr", cfg.BindAddr)
	}

	loc, err := cfg.Location()
	if err != nil {
		fatalStartup(logger, "E_TIMEZONE", err)
	}
	defs, err := cfg.AgentDefinitions()
	if err != nil {
		fatalStartup(logger, "E_AGENT_TABLE", err)
	}
	events, err := cfg.Events()
	if err != nil {
		fatalStartup(logger, "E_SCHEDULE_TABLE", err)
	}

	eventBus := bus.New()
	audit.Follow(ctx, eventBus)

	otelPkg.Version = Version
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	rl := ratelimit.New(ratelimit.Options{
		FallbackPause: time.Duration(cfg.RateLimit.FallbackPauseMinutes) * time.Minute,
	})

	dispatcher, err := buildDispatcher(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_DISPATCH_INIT", err)
	}

	registry := agent.NewRegistry(agent.Config{
		Store:            store,
		Dispatcher:       dispatcher,
		RateLimit:        rl,
		Logger:           logger.With("subsystem", "agent"),
		Bus:              eventBus,
		Metrics:          metrics,
		Tracer:           otelProvider.Tracer,
		AdminSessionID:   cfg.Admin.SessionID,
		AdminPrincipalID: cfg.Admin.PrincipalID,
	})
	for _, def := range defs {
		if err := registry.Register(ctx, def); err != nil {
			fatalStartup(logger, "E_AGENT_START", err)
		}
	}
	logger.Info("startup phase", "phase", "agents_registered", "count", len(defs))

	scheduler, err := cron.NewScheduler(cron.Config{
		Store:               store,
		Dispatcher:          dispatcher,
		Logger:              logger.With("subsystem", "scheduler"),
		Bus:                 eventBus,
		Metrics:             metrics,
		Tracer:              otelProvider.Tracer,
		Events:              events,
		Builders:            cron.Builtins(store, rl),
		Location:            loc,
		Interval:            cfg.PollInterval(),
		ReminderSessionID:   cfg.Scheduler.ReminderSessionID,
		ReminderPrincipalID: cfg.Scheduler.ReminderPrincipalID,
		StabilityThreshold:  cfg.Scheduler.StabilityThreshold,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULE_TABLE", err)
	}
	scheduler.Start(ctx)

	api := gateway.New(gateway.Config{
		Store:             store,
		Registry:          registry,
		Scheduler:         scheduler,
		RateLimit:         rl,
		Bus:               eventBus,
		Metrics:           otelProvider,
		Logger:            logger.With("subsystem", "gateway"),
		AuthToken:         cfg.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w (%s)", err, portOccupantHint(cfg.BindAddr))
		}
		fatalStartup(logger, "E_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "gateway_listening", "bind_addr", listener.Addr().String())

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits need a restart", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				reloadAgents(ctx, registry, cfg.Fingerprint(), logger, ev)
			}
		}()
	}

	go runRetentionLoop(ctx, store, cfg.RetentionRunsDays, cfg.RetentionFiresDays, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then the timers, then wait out in-flight dispatches.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	scheduler.Stop()
	registry.StopAll(shutdownCtx)
	logger.Info("shutdown complete")
}

// buildDispatcher routes telegram: sessions to the Bot API when a token is
// configured and everything else to the configured mode.
func buildDispatcher(cfg config.Config, logger *slog.Logger) (dispatch.Dispatcher, error) {
	var fallback dispatch.Dispatcher = &dispatch.Log{Logger: logger.With("subsystem", "dispatch")}
	if cfg.Dispatch.Mode == config.DispatchExec {
		fallback = &dispatch.Exec{
			Command: cfg.Dispatch.Command,
			Dir:     cfg.Dispatch.Dir,
			Timeout: time.Duration(cfg.Dispatch.TimeoutSeconds) * time.Second,
		}
	}
	mux := dispatch.NewMux(fallback)
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tg, err := dispatch.NewTelegram(cfg.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		mux.Handle("telegram", tg)
	}
	return mux, nil
}

// reloadAgents re-reads config.yaml and applies agent enable flags. Other
// edits are reported and wait for a restart.
func reloadAgents(ctx context.Context, reg *agent.Registry, runningHash string, logger *slog.Logger, ev config.ReloadEvent) {
	if ev.Removed() {
		logger.Warn("config file removed; keeping current agents", "path", ev.Path)
		return
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Warn("config reload rejected", "path", ev.Path, "error", err)
		return
	}
	defs, err := cfg.AgentDefinitions()
	if err != nil {
		logger.Warn("config reload rejected", "path", ev.Path, "error", err)
		return
	}
	if err := reg.Reconcile(ctx, defs); err != nil {
		logger.Warn("config reload partially applied", "error", err)
	}
	if hash := cfg.Fingerprint(); hash != runningHash {
		logger.Info("config changed; restart to apply non-agent settings", "running_hash", runningHash, "file_hash", hash)
	}
	audit.Record("config.reload", ev.Path, "watcher", "")
}

func runRetentionLoop(ctx context.Context, store *persistence.Store, runDays, fireDays int, logger *slog.Logger) {
	if runDays <= 0 && fireDays <= 0 {
		return
	}
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		result, err := store.RunRetention(ctx, runDays, fireDays)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("retention run failed", "error", err)
		} else if result.PurgedRuns+result.PurgedFires+result.PurgedReminders > 0 {
			logger.Info("retention purge completed",
				"purged_runs", result.PurgedRuns,
				"purged_fires", result.PurgedFires,
				"purged_reminders", result.PurgedReminders,
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("runtime.fatal", reasonCode, "runtime", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("another process is using %s; stop it or change bind_addr in config.yaml", addr)
	}
	return fmt.Sprintf("port %s is already in use; stop the other process or change bind_addr in config.yaml", port)
}

// loadDotEnv sets KEY=VALUE pairs from path without overriding variables
// that are already set.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"`))
	}
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: pulse daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: pulse daemon [--help]")
	fmt.Fprintln(w, "       pulse -daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the heartbeat agents, the scheduler and the operator API.")
	fmt.Fprintf(w, "Configuration is read from %s.\n", filepath.Join(config.HomeDir(), "config.yaml"))
}
