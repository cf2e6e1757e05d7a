// FleetBridge bridges a field-deployed device fleet and backend
// consumers over an MQTT broker. It maintains the broker session,
// filters inbound fleet traffic for freshness and relevance, and
// reconciles the competing liveness signals (registration, broker
// last-will, delivery-confirmation timeout, operator override) into one
// authoritative per-device presence status.
//
// Usage:
//
//	fleetbridge serve        Connect to the broker and run the engine
//	fleetbridge devices      List known devices and their status
//	fleetbridge init         Write an example config file
//	fleetbridge version      Print version and build information
//	fleetbridge -o json version
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hollowoak/fleetbridge/examples"
	"github.com/hollowoak/fleetbridge/internal/acktrack"
	"github.com/hollowoak/fleetbridge/internal/buildinfo"
	"github.com/hollowoak/fleetbridge/internal/config"
	"github.com/hollowoak/fleetbridge/internal/connwatch"
	"github.com/hollowoak/fleetbridge/internal/device"
	"github.com/hollowoak/fleetbridge/internal/ingest"
	"github.com/hollowoak/fleetbridge/internal/presence"
	"github.com/hollowoak/fleetbridge/internal/provisioning"
	"github.com/hollowoak/fleetbridge/internal/transport"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the fleetbridge command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdout/stderr receive all output, and args is os.Args[1:].
// Arguments are parsed by hand — the flag package relies on package
// globals that interfere with parallel tests, and the surface here is
// small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "devices":
		return runDevices(stdout, configPath, outputFmt)
	case "init":
		return runInit(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runInit writes the example config to path (default ./config.yaml).
// Refuses to overwrite an existing file.
func runInit(w io.Writer, path string) error {
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "wrote %s\n", path)
	return nil
}

// printUsage writes command help to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "FleetBridge - Device Presence & Message Ingestion Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: fleetbridge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to the broker and run the engine")
	fmt.Fprintln(w, "  devices      List known devices and their status")
	fmt.Fprintln(w, "  init         Write an example config file")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/fleetbridge/config.yaml, /etc/fleetbridge/config.yaml")
	return nil
}

// runDevices prints the device ledger from the configured store.
// Operator tooling: reads directly, never writes.
func runDevices(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open device database %s: %w", cfg.DBPath(), err)
	}
	defer db.Close()

	store, err := device.NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}

	devices, err := store.List()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(w, "no devices registered")
		return nil
	}
	fmt.Fprintf(w, "%-24s %-10s %-25s %s\n", "DEVICE", "STATUS", "LAST SEEN", "OWNER")
	for _, d := range devices {
		lastSeen := "never"
		if !d.LastSeen.IsZero() {
			lastSeen = d.LastSeen.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-24s %-10s %-25s %s\n", d.ID, d.Status, lastSeen, d.Owner)
	}
	return nil
}

// runServe starts the engine and blocks until the context is cancelled
// by SIGINT or SIGTERM. The shutdown sequence is:
//  1. Signal cancels the context; the pipeline stops accepting messages
//  2. Pending acknowledgment timers are cancelled without firing
//  3. The broker session disconnects
//  4. The database closes via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting FleetBridge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger only covers the startup
	// banner and config loading.
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.Broker.URL,
		"topic_root", cfg.Topics.Root,
	)

	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker.url is not configured")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Device record store ---
	// All durable state (device records, issued certificates) lives in
	// one SQLite database.
	db, err := sql.Open("sqlite3", cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open device database %s: %w", cfg.DBPath(), err)
	}
	defer db.Close()

	store, err := device.NewStore(db, logger)
	if err != nil {
		return err
	}
	logger.Info("device database opened", "path", cfg.DBPath())

	// --- Provisioning gate ---
	certs, err := provisioning.NewCertStore(db)
	if err != nil {
		return err
	}
	gate := provisioning.NewGate(cfg.Provisioning.RequireCertificate, certs, logger)
	if cfg.Provisioning.RequireCertificate {
		logger.Info("registration requires an active device certificate")
	}

	// Signal handling wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Ack tracker and transport session ---
	// The tracker's callbacks feed the presence ledger; the ledger is
	// constructed after the session because it replies through it. The
	// indirection through the late-bound pointer breaks the cycle.
	var ledger *presence.Ledger
	tracker := acktrack.New(
		time.Duration(cfg.Ack.TimeoutSec)*time.Second,
		func(deviceID string) {
			if err := ledger.HandleAckConfirmed(ctx, deviceID); err != nil {
				logger.Warn("ack-confirmed transition failed", "device_id", deviceID, "error", err)
			}
		},
		func(deviceID string) {
			if err := ledger.HandleAckTimeout(ctx, deviceID); err != nil {
				logger.Warn("ack-timeout transition failed", "device_id", deviceID, "error", err)
			}
		},
		logger,
	)

	brokerCfg := cfg.Broker
	if brokerCfg.ClientID == "" {
		brokerCfg.ClientID = "fleetbridge-" + uuid.NewString()[:8]
	}

	session := transport.New(brokerCfg, cfg.Topics.Root, tracker, logger)
	ledger = presence.New(store, gate, session, cfg.Topics.Root, logger)

	// Connect fails fast on DNS or TLS trust failures; anything after
	// that is retried by the session itself.
	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("broker connection: %w", err)
	}

	// --- Ingestion pipeline ---
	pipeline := ingest.New(ledger, cfg.Topics.Root, logger, ingest.Options{
		GraceWindow: time.Duration(cfg.Ingest.GraceSec) * time.Second,
		StaleAfter:  time.Duration(cfg.Ingest.StaleSec) * time.Second,
	})

	handler := func(msg transport.Message) { pipeline.Handle(ctx, msg) }
	for _, class := range []string{
		transport.ClassRegistration,
		transport.ClassLastWill,
		transport.ClassStatus,
	} {
		filter := transport.Topic(cfg.Topics.Root, "+", class)
		if err := session.Subscribe(ctx, filter, handler); err != nil {
			logger.Warn("initial subscribe failed, will retry on reconnect",
				"filter", filter, "error", err)
		}
	}

	// --- Connectivity watcher ---
	// The session retries on its own; this surfaces broker health as an
	// observable flag and logs ready/down transitions.
	watcher := connwatch.Watch(ctx, connwatch.Config{
		Name: "broker",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return session.AwaitConnection(awaitCtx)
		},
		Logger: logger,
	})
	defer watcher.Stop()

	logger.Info("engine running",
		"topic_root", cfg.Topics.Root,
		"ack_timeout", cfg.Ack.TimeoutSec,
		"grace_sec", cfg.Ingest.GraceSec,
		"stale_sec", cfg.Ingest.StaleSec,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop intake first, then cancel pending timers silently, then close
	// the broker session. Already-dispatched handlers finish on their own.
	pipeline.Close()
	tracker.Stop()

	disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer disconnectCancel()
	if err := session.Disconnect(disconnectCtx); err != nil {
		logger.Warn("broker disconnect failed", "error", err)
	}

	stats := pipeline.Stats()
	logger.Info("FleetBridge stopped",
		"processed", stats.Processed,
		"dropped_retained", stats.DroppedRetained,
		"dropped_stale", stats.DroppedStale,
	)
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
