package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/lspbridge/internal/backend"
	"github.com/codefionn/lspbridge/internal/config"
	"github.com/codefionn/lspbridge/internal/gateway"
	"github.com/codefionn/lspbridge/internal/logger"
	"github.com/codefionn/lspbridge/internal/metrics"
	"github.com/codefionn/lspbridge/internal/pidfile"
	"github.com/codefionn/lspbridge/internal/pprof"
)

const shutdownTimeout = 10 * time.Second

type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	if value == "" {
		return fmt.Errorf("value cannot be empty")
	}
	*s = append(*s, value)
	return nil
}

// cliOptions holds command line overrides. Zero values mean "not given".
type cliOptions struct {
	configPath  string
	host        string
	port        int
	portSet     bool
	logLevel    string
	logPath     string
	pidFile     string
	pprof       bool
	cpuProfile  string
	heapProfile string
	enable      stringSlice
	disable     stringSlice
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseCLIArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()

	if cfg.PidFile != "" {
		pf := pidfile.New(cfg.PidFile)
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pf.Remove(); err != nil {
				logger.Warn("%v", err)
			}
		}()
	}

	profiler, err := pprof.Start(opts.cpuProfile, opts.heapProfile)
	if err != nil {
		return err
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Warn("%v", err)
		}
	}()

	var collector metrics.Collector = metrics.NewNoop()
	if cfg.MetricsEnabled {
		collector = metrics.NewPrometheus("lspbridge")
	}

	srv := gateway.New(cfg, gateway.Options{
		Metrics: collector,
		Logger:  logger.Global(),
		Pprof:   cfg.PprofEnabled,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("LSP bridge listening on ws://%s (disabled: %s)", srv.Addr(), strings.Join(cfg.DisabledBackends, ","))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, opts.configPath, func() { reload(srv, opts) }); err != nil {
		logger.Warn("Config reload disabled: %v", err)
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// reload re-reads the configuration and applies what can change at runtime.
func reload(srv *gateway.Server, opts *cliOptions) {
	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error("Ignoring config change: %v", err)
		return
	}

	current := srv.Config()
	if cfg.Addr() != current.Addr() {
		logger.Warn("Listen address change to %s needs a restart", cfg.Addr())
	}

	logger.Global().SetLevel(logger.ParseLevel(cfg.LogLevel))
	srv.ApplyConfig(cfg)
	logger.Info("Config reloaded (disabled: %s)", strings.Join(cfg.DisabledBackends, ","))
}

func parseCLIArgs(args []string) (*cliOptions, error) {
	fs := flag.NewFlagSet("lspbridge", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &cliOptions{}
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the JSON config file")
	fs.StringVar(&opts.host, "host", "", "Loopback address to listen on (default 127.0.0.1)")
	fs.IntVar(&opts.port, "port", config.DefaultPort, "Port to listen on (env LSP_PORT)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	fs.StringVar(&opts.logPath, "log-path", "", "Write logs to this file instead of stderr")
	fs.StringVar(&opts.pidFile, "pidfile", "", "Write the process id to this file")
	fs.BoolVar(&opts.pprof, "pprof", false, "Serve runtime profiles under /debug/pprof/")
	fs.StringVar(&opts.cpuProfile, "cpu-profile", "", "Write a CPU profile to this file until exit")
	fs.StringVar(&opts.heapProfile, "heap-profile", "", "Write a heap profile to this file at exit")
	fs.Var(&opts.enable, "enable", "Enable a language server, e.g. jdtls (repeatable)")
	fs.Var(&opts.disable, "disable", "Disable a language server (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Serves language servers over WebSocket on /pylsp, /clangd, /gopls, /rust-analyzer and /jdtls.")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "port" {
			opts.portSet = true
		}
	})

	for _, name := range append(opts.enable.toStrings(), opts.disable...) {
		if _, ok := backend.ParseKind(name); !ok {
			return nil, fmt.Errorf("unknown language server %q", name)
		}
	}

	return opts, nil
}

func (s stringSlice) toStrings() []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}

// loadConfig layers the config file, the environment and the command line,
// in that order.
func loadConfig(opts *cliOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	opts.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (o *cliOptions) apply(cfg *config.Config) {
	if o.host != "" {
		cfg.Host = o.host
	}
	if o.portSet {
		cfg.Port = o.port
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logPath != "" {
		cfg.LogPath = o.logPath
	}
	if o.pidFile != "" {
		cfg.PidFile = o.pidFile
	}
	if o.pprof {
		cfg.PprofEnabled = true
	}
	for _, name := range o.enable {
		cfg.Enable(name)
	}
	for _, name := range o.disable {
		cfg.Disable(name)
	}
}
