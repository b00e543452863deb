package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kgmirror/internal/blob"
	"kgmirror/internal/config"
	"kgmirror/internal/core"
	"kgmirror/internal/platform/logger"
)

// app carries the flag state shared by all subcommands.
type app struct {
	v           *viper.Viper
	out         io.Writer
	cfgFile     string
	metricsAddr string
	traceFile   string
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"log-mode":       "log_mode",
	"storage-driver": "storage.driver",
	"sqlite-path":    "storage.sqlite_path",
	"postgres-dsn":   "storage.postgres_dsn",
	"blob-driver":    "blob.driver",
	"blob-fs-root":   "blob.fs_root",
	"workers":        "import.workers",
	"writers":        "import.writers",
	"batch-size":     "import.batch_size",
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out}
	cmd := &cobra.Command{
		Use:           "kgmirror",
		Short:         "Mirror knowledge-graph dumps into a relational store",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(out)

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (YAML)")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	pf.StringVar(&a.traceFile, "trace-file", "", "append JSON operation spans to this file")
	pf.String("log-mode", "", "development|production|nop")
	pf.String("storage-driver", "", "memory|sqlite|postgres")
	pf.String("sqlite-path", "", "SQLite database path")
	pf.String("postgres-dsn", "", "PostgreSQL DSN")
	pf.String("blob-driver", "", "fs|s3|gcs|memory")
	pf.String("blob-fs-root", "", "dump directory for the fs driver")
	pf.Int("workers", 0, "dump reader workers")
	pf.Int("writers", 0, "batch writer goroutines")
	pf.Int("batch-size", 0, "records per write transaction")
	for flag, key := range flagKeys {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	cmd.AddCommand(
		a.newRegisterCmd(),
		a.newExtractCmd(),
		a.newImportCmd(),
		a.newGCCmd(),
		a.newEnforceCmd(),
		a.newRunCmd(),
	)
	return cmd
}

// withService builds the service from configuration, runs fn and releases
// every resource it opened.
func (a *app) withService(ctx context.Context, fn func(*core.Service) error) (err error) {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := core.OpenPersistentStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, store.Close()) }()

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []core.Option{core.WithLogger(log), core.WithRegisterer(reg)}

	if a.traceFile != "" {
		f, err := openAppend(a.traceFile)
		if err != nil {
			return err
		}
		defer f.Close()
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
	}

	if a.metricsAddr != "" {
		srv := &http.Server{
			Addr:              a.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", "addr", a.metricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return fn(core.NewService(cfg, store, blobs, opts...))
}
