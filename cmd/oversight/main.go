package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/oversight/internal/bus"
	"github.com/basket/oversight/internal/config"
	"github.com/basket/oversight/internal/narrative"
	"github.com/basket/oversight/internal/operator"
	otelPkg "github.com/basket/oversight/internal/otel"
	"github.com/basket/oversight/internal/shared"
	"github.com/basket/oversight/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

const shutdownTimeout = 5 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s demo [-offline]          Replay the two-group spatial example
                              Flags: -offline uses a canned collaborator
  %s watch                    Serve JSON-lines requests on stdin with live
                              config reload and periodic summaries
  %s policy [options]         Update escalation tunables in config.yaml
                              Options: -threshold N, -refresh N
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

ENVIRONMENT VARIABLES:
  OVERSIGHT_HOME          Data directory (default: ~/.oversight)
  OVERSIGHT_ENDPOINT      Collaborator base URL (default: http://localhost:11434)
  OVERSIGHT_MODEL         Collaborator model (default: analyst)
  OVERSIGHT_LOG_LEVEL     debug, info, warn or error

EXAMPLES:
  Run the example:        %s demo
  Run diagnostics:        %s doctor
  Serve workers:          worker-feed | %s watch
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	// Quiet logs (file-only) on a terminal so command output stays readable.
	interactive := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "demo":
		os.Exit(runDemoCommand(ctx, args[1:], os.Stdout, interactive))
	case "watch":
		os.Exit(runWatchCommand(ctx, args[1:], os.Stdin, os.Stdout, interactive))
	case "policy":
		os.Exit(runPolicyCommand(args[1:], os.Stdout))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// app is everything a long-running command needs.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	logFile  *telemetry.LogFile
	op       *operator.Operator
	bus      *bus.Bus
	shutdown func()
}

// startApp loads config and builds a fully wired operator. A non-nil collab
// replaces the configured Ollama endpoint.
func startApp(ctx context.Context, quiet bool, collab narrative.Collaborator) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logFile, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir,
		"config_missing", cfg.Missing,
		"log_file", logFile.Path(),
		"log_level", logFile.Level().String(),
	)

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()
	opts := []operator.Option{
		operator.WithLogger(logger),
		operator.WithBus(eventBus),
		operator.WithMetrics(metrics),
		operator.WithTracer(provider.Tracer),
	}
	if collab != nil {
		opts = append(opts, operator.WithCollaborator(collab))
	}
	op, err := operator.New(cfg.OperatorConfig(), opts...)
	if err != nil {
		logger.Error("startup failure", "reason_code", "E_OPERATOR_INIT", "error", err)
		logFile.Close()
		return nil, err
	}
	logger.Info("startup phase", "phase", "operator_ready", "endpoint", shared.RedactURL(op.Config().Endpoint))

	return &app{
		cfg:     cfg,
		logger:  logger,
		logFile: logFile,
		op:      op,
		bus:     eventBus,
		shutdown: func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := op.Close(sctx); err != nil {
				logger.Warn("operator close", "error", err)
			}
			if err := provider.Shutdown(sctx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
			logger.Info("shutdown complete", "summary", op.Summary().String())
			logFile.Close()
		},
	}, nil
}

func fatal(w io.Writer, reasonCode string, err error) int {
	fmt.Fprintf(w,
		`{"timestamp":"%s","level":"ERROR","component":"operator","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		err.Error(),
	)
	return 1
}
