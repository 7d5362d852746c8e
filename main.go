package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kolosal/kolosal-server/pkg/autoscaler"
	"github.com/kolosal/kolosal-server/pkg/backendloader"
	"github.com/kolosal/kolosal-server/pkg/config"
	"github.com/kolosal/kolosal-server/pkg/download"
	"github.com/kolosal/kolosal-server/pkg/engine"
	"github.com/kolosal/kolosal-server/pkg/httpapi"
	"github.com/kolosal/kolosal-server/pkg/logging"
	"github.com/kolosal/kolosal-server/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.New()

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appLog := logging.NewLogrusAdapterFromEntry(logrus.NewEntry(log))

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	loader := backendloader.New(appLog)
	engines := make([]backendloader.EngineInfo, 0, len(cfg.InferenceEngines))
	for _, e := range cfg.InferenceEngines {
		engines = append(engines, backendloader.EngineInfo{
			Name:        e.Name,
			Description: e.Description,
			LibraryPath: e.LibraryPath,
		})
	}
	loader.Configure(engines)
	for _, e := range cfg.InferenceEngines {
		if !e.LoadOnStartup {
			continue
		}
		if err := loader.LoadEngine(e.Name); err != nil {
			log.Warnf("failed to pre-load backend %q: %v", e.Name, err)
		}
	}

	coordinator := engine.New(appLog, loader, nil, cfg.DefaultInferenceEngine)
	downloads := download.New(appLog, coordinator)

	for _, m := range cfg.Models {
		params := engine.LoadParams{
			ContextLength: m.LoadParams.ContextLength,
			BatchSize:     m.LoadParams.BatchSize,
			Parallelism:   m.LoadParams.Parallelism,
			GPULayers:     m.LoadParams.GPULayers,
			UseMemoryLock: m.LoadParams.UseMemoryLock,
			TensorSplit:   m.LoadParams.TensorSplit,
			ExtraFlags:    m.LoadParams.ExtraFlags,
		}
		var loadErr error
		if m.LoadImmediately {
			loadErr = coordinator.Add(ctx, m.ModelID, m.ModelPath, params, m.MainGPUID, m.BackendName)
		} else {
			loadErr = coordinator.Register(ctx, m.ModelID, m.ModelPath, params, m.MainGPUID, m.BackendName)
		}
		if loadErr != nil {
			log.Warnf("failed to restore model %q from config: %v", m.ModelID, loadErr)
		}
	}

	idleTimeout := time.Duration(cfg.Autoscaler.IdleTimeoutSeconds) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	scaler := autoscaler.New(appLog, coordinator, idleTimeout)
	scaler.Start(ctx)
	defer scaler.Stop()

	metricsRegistry := metrics.New()

	downloadDir := os.Getenv("KOLOSAL_DOWNLOAD_DIR")
	if downloadDir == "" {
		downloadDir = "./models"
	}

	handler := httpapi.NewServer(appLog, coordinator, downloads, loader, metricsRegistry, downloadDir, cfg.Server.CORSOrigins)

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var listener net.Listener
	if sockPath := cfg.Server.UnixSocket; sockPath != "" {
		if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
			log.Fatalf("failed to remove existing socket: %v", err)
		}
		ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
		if err != nil {
			log.Fatalf("failed to listen on socket %s: %v", sockPath, err)
		}
		listener = ln
		log.Infof("listening on unix socket %s", sockPath)
	} else {
		addr := cfg.Server.Host + ":" + itoa(cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("failed to listen on %s: %v", addr, err)
		}
		listener = ln
		log.Infof("listening on %s", addr)
	}

	// The listener and the shutdown watcher run as sibling goroutines under
	// one errgroup: either the server failing, or the shutdown signal
	// firing, cancels the group's context and triggers a graceful stop.
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Errorf("server exited with error: %v", err)
	}
	log.Info("kolosal-server stopped")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
