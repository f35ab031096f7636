package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"icapd/icap"
)

// shutdownTimeout bounds the drain of open ICAP connections.
const shutdownTimeout = 15 * time.Second

type rootFlags struct {
	config        string
	port          string
	logFile       string
	logRotateSize int64
	logLevel      string
}

func newRootCommand() *cobra.Command {
	var f rootFlags
	cmd := &cobra.Command{
		Use:   "icapd",
		Short: "ICAP content adaptation server",
		Long: `icapd serves ICAP (RFC 3507) REQMOD, RESPMOD and OPTIONS requests.

Configuration is read from the YAML file given with --config, then from
ICAP_* environment variables, then from the flags below.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f.config)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.OutOrStdout())
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "config file path")
	fl.StringVar(&f.port, "port", "", "ICAP port, overrides listen")
	fl.StringVar(&f.logFile, "log", "", "server log file")
	fl.Int64Var(&f.logRotateSize, "log-rotate-size", 0, "rotate log files at this size in MB")
	fl.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

// apply copies flags the user set over cfg.
func (f *rootFlags) apply(cmd *cobra.Command, cfg *Config) {
	fl := cmd.Flags()
	if fl.Changed("port") {
		cfg.Listen = ":" + f.port
	}
	if fl.Changed("log") {
		cfg.Log.File = f.logFile
	}
	if fl.Changed("log-rotate-size") && f.logRotateSize > 0 {
		cfg.Log.RotateSizeMB = f.logRotateSize
	}
	if fl.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
}

// run serves until ctx is cancelled, then drains connections.
func run(ctx context.Context, cfg *Config, stdout io.Writer) error {
	log, logFile, err := newLogger(cfg.Log, stdout)
	if err != nil {
		return err
	}
	var rotated []*rotatingWriter
	if logFile != nil {
		defer logFile.Close()
		rotated = append(rotated, logFile)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := newServer(ctx, cfg, log, promReg)
	if err != nil {
		return err
	}
	accessLog, accessFile, err := newAccessLog(cfg.Log)
	if err != nil {
		return err
	}
	if accessFile != nil {
		defer accessFile.Close()
		rotated = append(rotated, accessFile)
		srv.AccessLog = accessLog
	}

	if cfg.Log.RotateSchedule != "" && len(rotated) > 0 {
		c, err := scheduleRotation(cfg.Log.RotateSchedule, log, rotated...)
		if err != nil {
			return err
		}
		defer func() { <-c.Stop().Done() }()
	}

	var healthSrv *http.Server
	if cfg.Health.Listen != "" {
		healthSrv = &http.Server{
			Addr:              cfg.Health.Listen,
			Handler:           newHealthRouter(promReg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Health.Listen).Msg("health check listening")
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("health server error")
			}
		}()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	log.Info().
		Str("listen", cfg.Listen).
		Str("tls_mode", srv.TLSMode.String()).
		Strs("services", srv.Services.Paths()).
		Str("istag", srv.ISTag).
		Str("log_file", cfg.Log.File).
		Int64("log_rotate_size_mb", cfg.Log.RotateSizeMB).
		Int64("max_body_size", cfg.Limits.MaxBodySize).
		Dur("idle_timeout", cfg.Limits.IdleTimeout).
		Msg("icapd started")

	select {
	case err := <-errc:
		return fmt.Errorf("icap server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("connections force-closed")
	}
	if healthSrv != nil {
		_ = healthSrv.Shutdown(shutdownCtx)
	}
	<-errc
	log.Info().Msg("shutdown complete")
	return nil
}

// newServer assembles the ICAP server from cfg. Certificate watching, if
// enabled, stops with ctx.
func newServer(ctx context.Context, cfg *Config, log zerolog.Logger, reg prometheus.Registerer) (*icap.Server, error) {
	services := icap.NewRegistry()
	if echo := cfg.Services.Echo; echo.Enabled {
		if err := services.Register(echo.Path, newEchoService(echo)); err != nil {
			return nil, err
		}
	}

	srv := icap.NewServer(cfg.Listen, services)
	srv.Logger = log
	srv.Metrics = icap.NewMetrics(reg)
	srv.LogBodies = cfg.Log.Bodies
	srv.MaxBodySize = cfg.Limits.MaxBodySize
	srv.IdleTimeout = cfg.Limits.IdleTimeout
	srv.WriteTimeout = cfg.Limits.WriteTimeout
	if cfg.ISTag != "" {
		srv.ISTag = quoteISTag(cfg.ISTag)
	}

	mode, err := icap.ParseTLSMode(cfg.TLS.Mode)
	if err != nil {
		return nil, err
	}
	srv.TLSMode = mode
	if mode == icap.TLSOff {
		return srv, nil
	}
	certs, err := icap.NewCertificateReloader(cfg.TLS.CertFile, cfg.TLS.KeyFile, log)
	if err != nil {
		return nil, err
	}
	srv.TLSConfig = icap.NewTLSConfig(certs, cfg.TLS.EnableTLS11)
	if cfg.TLS.WatchCertificates {
		go func() {
			if err := certs.Watch(ctx); err != nil {
				log.Error().Err(err).Msg("certificate watcher stopped")
			}
		}()
	}
	return srv, nil
}

func newEchoService(cfg EchoConfig) *icap.EchoService {
	svc := icap.NewEchoService()
	sc := svc.Config()
	sc.MaxConnections = cfg.MaxConnections
	sc.Timeout = cfg.Timeout
	sc.OptionsTTL = cfg.OptionsTTL
	sc.ServiceID = cfg.ServiceID
	if cfg.ISTag != "" {
		sc.ISTag = quoteISTag(cfg.ISTag)
	}
	if cfg.PreviewSize < 0 {
		sc.PreviewSize = nil
	} else {
		sc.PreviewSize = icap.Preview(cfg.PreviewSize)
	}
	return svc
}

// quoteISTag wraps tag in double quotes unless it already is quoted.
func quoteISTag(tag string) string {
	if strings.HasPrefix(tag, `"`) && strings.HasSuffix(tag, `"`) && len(tag) > 1 {
		return tag
	}
	return `"` + tag + `"`
}
