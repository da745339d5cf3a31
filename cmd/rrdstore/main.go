// Command rrdstore inspects and maintains round-robin databases on any
// supported storage medium.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"go.uber.org/multierr"

	"github.com/wolfeidau/rrdstore/backend"
	"github.com/wolfeidau/rrdstore/kvstore"
	"github.com/wolfeidau/rrdstore/telemetry"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	Medium       string `help:"Storage medium (${enum})." enum:"file,memory,bolt,badger" default:"file" env:"RRDSTORE_MEDIUM"`
	BoltPath     string `help:"Path of the bolt store." default:"rrdstore.db" env:"RRDSTORE_BOLT_PATH"`
	BadgerDir    string `help:"Directory of the badger store." default:"rrdstore.badger" env:"RRDSTORE_BADGER_DIR"`
	Lock         bool   `help:"Hold an advisory lock on file databases while open." env:"RRDSTORE_LOCK"`
	Signature    string `help:"Leading bytes every non-empty file database must start with. Empty disables the check." default:"RRD" env:"RRDSTORE_SIGNATURE"`
	LogLevel     string `help:"Log level (${enum})." enum:"debug,info,warn,error" default:"info" env:"RRDSTORE_LOG_LEVEL"`
	LogFormat    string `help:"Log format (${enum})." enum:"text,json,tint" default:"tint" env:"RRDSTORE_LOG_FORMAT"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"RRDSTORE_OTLP_ENDPOINT"`
	MetricsAddr  string `help:"Address to serve Prometheus metrics on while the command runs." env:"RRDSTORE_METRICS_ADDR"`
}

// CLI is the command line of rrdstore.
type CLI struct {
	Globals

	Create CreateCmd `cmd:"" help:"Create a zero-filled database."`
	Write  WriteCmd  `cmd:"" help:"Write hex-encoded bytes at an offset."`
	Read   ReadCmd   `cmd:"" help:"Read bytes at an offset and print them as hex."`
	Info   InfoCmd   `cmd:"" help:"Show the length, identity and content hash of a database."`
	List   ListCmd   `cmd:"" help:"List databases held by the medium."`
	Delete DeleteCmd `cmd:"" help:"Delete a database."`
	Export ExportCmd `cmd:"" help:"Export a database to an archive file."`
	Import ImportCmd `cmd:"" help:"Import a database from an archive file."`
	Bench  BenchCmd  `cmd:"" help:"Measure small-write throughput against the medium."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("rrdstore"),
		kong.Description("Round-robin database storage tool."),
		kong.UsageOnError(),
	)
	if err := run(kctx, &cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(kctx *kong.Context, g *Globals) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, g, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()

	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(a)
}

// app is the state every command runs against.
type app struct {
	logger   *slog.Logger
	registry *backend.Registry
	medium   string
	out      io.Writer

	// signature is written by create and checked on every file open.
	signature string

	// closers run in reverse order on Close.
	closers []func() error
}

func newApp(ctx context.Context, g *Globals, out, logOut io.Writer) (_ *app, err error) {
	logger, err := newLogger(g.LogLevel, g.LogFormat, logOut)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger, medium: g.Medium, out: out, signature: g.Signature}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.initMetrics(ctx, g); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	var opts []backend.RegistryOption
	if g.Signature != "" {
		opts = append(opts, backend.WithHeaderCheck(backend.SignatureCheck([]byte(g.Signature))))
	}
	opts = append(opts, backend.WithInstrumentation())
	a.registry = backend.NewRegistry(opts...)

	var fileOpts []backend.FileOption
	if g.Lock {
		fileOpts = append(fileOpts, backend.WithLock())
	}
	ff := backend.NewFileFactory(fileOpts...)
	a.closers = append(a.closers, ff.Close)
	if err := a.registry.Register(ff); err != nil {
		return nil, err
	}

	mf := backend.NewMemoryFactory()
	if err := a.registry.Register(mf); err != nil {
		return nil, err
	}

	// Embedded stores hold an exclusive lock on their files, so only the
	// selected one is opened.
	switch g.Medium {
	case "bolt":
		store := kvstore.NewBolt(kvstore.WithLogger(logger))
		if err := store.Open(g.BoltPath); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		if err := a.registerEmbedded(backend.NewEmbeddedFactory("bolt", store)); err != nil {
			return nil, err
		}
	case "badger":
		store, err := kvstore.OpenBadger(kvstore.BadgerConfig{Dir: g.BadgerDir, Logger: logger})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close, func() error {
			if err := store.Maintain(); err != nil {
				logger.Warn("badger value log gc failed", "error", err)
			}
			return nil
		})
		if err := a.registerEmbedded(backend.NewEmbeddedFactory("badger", store)); err != nil {
			return nil, err
		}
	}

	if err := a.registry.SetDefault(g.Medium); err != nil {
		return nil, err
	}
	logger.Debug("backend registry ready", "factories", a.registry.Names(), "medium", g.Medium)
	return a, nil
}

// registerEmbedded registers ef and commits its live instances on Close,
// before the store beneath it is closed.
func (a *app) registerEmbedded(ef *backend.EmbeddedFactory) error {
	a.closers = append(a.closers, ef.Close)
	return a.registry.Register(ef)
}

func (a *app) initMetrics(ctx context.Context, g *Globals) error {
	if g.OTLPEndpoint == "" && g.MetricsAddr == "" {
		return nil
	}

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "rrdstore",
		ServiceVersion:   version,
		OTLPEndpoint:     g.OTLPEndpoint,
		EnablePrometheus: g.MetricsAddr != "",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(shutdownCtx)
	})

	if g.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	srv := &http.Server{
		Addr:              g.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "address", g.MetricsAddr)
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// Close releases everything newApp acquired, newest first.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

func (a *app) factory() (backend.Factory, error) {
	return a.registry.Factory(a.medium)
}

func (a *app) open(id string, readOnly bool) (backend.Backend, error) {
	return a.registry.Open(a.medium, id, readOnly)
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "tint":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
