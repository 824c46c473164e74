package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/livediff/internal/apiclient"
	"github.com/gaspardpetit/livediff/internal/capture"
	"github.com/gaspardpetit/livediff/internal/config"
	"github.com/gaspardpetit/livediff/internal/logx"
	"github.com/gaspardpetit/livediff/internal/metrics"
	"github.com/gaspardpetit/livediff/internal/pipeline"
	"github.com/gaspardpetit/livediff/internal/preview"
	"github.com/gaspardpetit/livediff/internal/realtime"
	"github.com/gaspardpetit/livediff/internal/reconnect"
	"github.com/gaspardpetit/livediff/internal/server"
	"github.com/gaspardpetit/livediff/internal/settings"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ClientConfig
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "livediff version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("livediff version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
		// command line wins over the file
		_ = flag.CommandLine.Parse(os.Args[1:])
	}
	logx.Configure(cfg.LogLevel)
	cfg.ResolveEndpoints()
	cfg.LogWarnings()
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	device, err := capture.ParseDevice(cfg.CaptureDevice)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("device", cfg.CaptureDevice).Msg("capture device")
	}
	sampler := capture.New(device)
	defer sampler.Close()

	enc, err := realtime.ParseEncoder(cfg.FrameFormat)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("frame format")
	}
	client := realtime.NewClient(realtime.Options{
		URL:     cfg.WSURL,
		Dialer:  realtime.WSDialer{},
		Encoder: enc,
		Policy: reconnect.Policy{
			Interval:    cfg.ReconnectInterval,
			Backoff:     cfg.ReconnectBackoff,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
	})
	defer client.Close()

	var store settings.Store = settings.NewMemoryStore()
	if cfg.RedisURL != "" {
		rs, err := settings.NewRedisStore(ctx, cfg.RedisURL, settings.DefaultRedisKey)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		store = rs
		logx.Log.Info().Msg("using redis settings store")
	}

	api := apiclient.New(cfg.APIURL, cfg.RequestTimeout)
	orch := pipeline.New(sampler, client, store, api, pipeline.Config{
		Capture: capture.Config{
			Width:      cfg.CaptureWidth,
			Height:     cfg.CaptureHeight,
			FacingMode: cfg.FacingMode,
			Mirror:     cfg.Mirror,
		},
		FrameRate:     cfg.FrameRate,
		ResultTimeout: cfg.ResultTimeout,
	})
	orch.Start(ctx)
	defer orch.Close()

	if cfg.Preview {
		orch.OnProcessed(preview.New(os.Stdout).Handler())
	}

	if err := orch.ActivateCamera(ctx); err != nil {
		logx.Log.Error().Err(err).Msg("camera unavailable; activate it again via /api/camera/activate")
	}
	if cfg.AutoConnect {
		orch.Connect()
	}

	handler := server.New(orch, server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Backend:        api,
		Gatherer:       reg,
	})
	var tlsFiles server.TLSFiles
	if cfg.TLSEnabled() {
		tlsFiles = server.TLSFiles{CertFile: cfg.TLSCertPath, KeyFile: cfg.TLSKeyPath}
	}
	addr, served, err := server.ServeUntilContext(ctx, cfg.ListenAddr(), handler, tlsFiles)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("listen")
	}
	logx.Log.Info().
		Str("addr", addr).
		Bool("tls", tlsFiles.CertFile != "").
		Str("ws_url", cfg.WSURL).
		Str("api_url", cfg.APIURL).
		Str("device", cfg.CaptureDevice).
		Float64("frame_rate", cfg.FrameRate).
		Str("version", version).
		Msg("livediff started")

	select {
	case <-ctx.Done():
		logx.Log.Info().Msg("shutting down")
		<-served
	case <-served:
		logx.Log.Error().Msg("control server exited; shutting down")
	}
}
