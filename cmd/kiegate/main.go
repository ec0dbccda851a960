package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	commoncfg "github.com/gaspardpetit/kiegate/core/config"
	"github.com/gaspardpetit/kiegate/core/logx"
	"github.com/gaspardpetit/kiegate/core/secret"
	"github.com/gaspardpetit/kiegate/internal/config"
	"github.com/gaspardpetit/kiegate/internal/drain"
	"github.com/gaspardpetit/kiegate/internal/inflight"
	"github.com/gaspardpetit/kiegate/internal/kie"
	"github.com/gaspardpetit/kiegate/internal/metrics"
	"github.com/gaspardpetit/kiegate/internal/server"
	"github.com/gaspardpetit/kiegate/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// replicaID names this process in the shared state store.
func replicaID(configured string) string {
	if configured != "" {
		return configured
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")

	// defaults < .env < file < env < args
	var cfg config.ServerConfig
	cfg.SetDefaults()
	if err := commoncfg.LoadDotEnv(); err != nil {
		logx.Log.Fatal().Err(err).Msg("load .env")
	}
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	if path, ok := config.ConfigFileFromArgs(os.Args[1:]); ok {
		cfg.ConfigFile = path
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "kiegate version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("kiegate version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	if cfg.UsesPlaceholderKey() {
		logx.Log.Warn().Msg("KIE_API_KEY is not set; upstream calls will use a placeholder key")
	} else {
		logx.Log.Info().Str("kie_api_key", secret.Mask(cfg.KieAPIKey)).Msg("kie.ai key configured")
	}

	if cfg.RedisAddr != "" {
		replica := replicaID(cfg.ReplicaID)
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr, replica)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", cfg.RedisAddr).Str("replica", replica).Msg("using redis state store")
	}

	client := kie.New(cfg.KieAPIKey,
		kie.WithGenerateURL(cfg.GenerateURL),
		kie.WithJobsBaseURL(cfg.JobsBaseURL),
		kie.WithTimeout(cfg.UpstreamTimeout),
	)
	drainable := &inflight.Counter{}
	handler := server.New(cfg, server.Options{Upstream: client, Inflight: drainable, Version: version})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if !cfg.MetricsOnMainPort() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", server.MetricsHandler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	dc := &drain.Controller{Inflight: drainable, Timeout: cfg.DrainTimeout, Terminate: cancel}
	go dc.Watch(ctx, sigCh)
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	if cfg.MCPEnabled {
		logx.Log.Info().Msg("MCP endpoint enabled at /mcp")
	}
	if cfg.StaticDir != "" {
		logx.Log.Info().Str("dir", cfg.StaticDir).Msg("serving static files")
	}
	serverstate.SetState(serverstate.StatusReady)
	logx.Log.Info().Int("port", cfg.Port).Str("upstream", cfg.GenerateURL).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
