package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "net/http/pprof"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/warpcomdev/frameserver/internal/httpapi"
	"github.com/warpcomdev/frameserver/internal/servicelog"
	"github.com/warpcomdev/frameserver/internal/session"
	"github.com/warpcomdev/frameserver/internal/settings"
)

var (
	startMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "frameserver_start",
		Help: "Start timestamp of the server (unix)",
	})

	infoMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "frameserver_info",
			Help: "Service info",
		},
		[]string{"start"},
	)
)

func sessionOptions(cfg *settings.Settings) session.Options {
	return session.Options{
		FFmpegPath:     cfg.FFmpegPath,
		FFprobePath:    cfg.FFprobePath,
		HardwareDecode: cfg.HardwareEnabled(),
		HardwareAPI:    cfg.HardwareDecodeApi,
		MaxCacheSize:   cfg.MaxCacheSize,
	}
}

// program implements service.Interface
type program struct {
	logger     servicelog.Logger
	config     *settings.Settings
	configPath string

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := run(ctx, p.logger, p.config, p.configPath); err != nil && ctx.Err() == nil {
			p.logger.Error("server failed", servicelog.Error(err))
		}
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	p.cancel()
	<-p.done
	return nil
}

func run(ctx context.Context, logger servicelog.Logger, cfg *settings.Settings, configPath string) error {
	registry := session.NewRegistry(logger, sessionOptions(cfg))
	defer registry.Close()

	mux := http.NewServeMux()
	mux.Handle("/frame", httpapi.FrameHandler(logger, registry))
	mux.Handle("/preview", httpapi.PreviewHandler(logger, registry))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/", http.DefaultServeMux) // pprof

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        mux,
		ReadTimeout:    time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		// No write timeout: the preview handler streams indefinitely
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("listening", servicelog.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if configPath != "" {
		group.Go(func() error {
			return settings.Watch(ctx, logger, configPath, func(reloaded *settings.Settings) {
				registry.UpdateOptions(sessionOptions(reloaded))
			})
		})
	}
	return group.Wait()
}

func main() {
	svcFlag := flag.String("service", "", "control the system service (install, uninstall, start, stop)")
	configFlag := flag.String("config", "", "path to the settings file")
	flag.Parse()

	cfg := &settings.Settings{}
	if *configFlag != "" {
		loaded, err := settings.Load(*configFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg.Check("")
	}

	logFile := ""
	if cfg.LogFolder != "" {
		logFile = filepath.Join(cfg.LogFolder, "frameserver.log")
	}
	logger := servicelog.New(logFile, cfg.Debug)

	startTime := time.Now()
	startMetric.Set(float64(startTime.Unix()))
	infoMetric.WithLabelValues(startTime.Format(time.RFC3339)).Set(1)

	prg := &program{
		logger:     logger,
		config:     cfg,
		configPath: *configFlag,
	}
	svc, err := service.New(prg, &service.Config{
		Name:        "frameserver",
		DisplayName: "Video frame server",
		Description: "Serves decoded video frames by timestamp for editing hosts",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *svcFlag != "" {
		if err := service.Control(svc, *svcFlag); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := svc.Run(); err != nil {
		logger.Error("service run failed", servicelog.Error(err))
		os.Exit(1)
	}
}
