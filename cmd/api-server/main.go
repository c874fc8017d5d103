package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mangavault/internal/app"
	"mangavault/internal/chapters"
	"mangavault/internal/downloader"
	"mangavault/internal/process"
	"mangavault/internal/scheduler"
	"mangavault/pkg/utils"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $MANGAVAULT_CONFIG)")
	flag.Parse()

	cfg, err := utils.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := utils.MustLogger(cfg.Debug)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg utils.Config, logger *zap.Logger) error {
	hub := process.NewHub(logger)
	defer hub.Close()

	engine, err := app.New(cfg, hub, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	_ = router.SetTrustedProxies([]string{"127.0.0.1"})

	router.GET("/ws", process.WSHandler(hub, logger))
	tcpSrv := process.NewServer(cfg.TCPAddr, hub, logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "db": engine.DBPath})
	})

	router.GET("/ready", func(c *gin.Context) {
		stats := hub.Stats()
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := engine.DB.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":      "not_ready",
				"db_error":    err.Error(),
				"tcp_clients": stats.TCPClients,
				"ws_clients":  stats.WSClients,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":      "ready",
			"db":          "ok",
			"browser":     engine.Sessions.State().String(),
			"tcp_clients": stats.TCPClients,
			"ws_clients":  stats.WSClients,
			"processes":   stats.Processes,
		})
	})

	downloader.NewHandler(engine.Downloads, hub).RegisterRoutes(router.Group(""))
	chapters.NewHandler(engine.Records).RegisterRoutes(router.Group("/saved"))

	backlog := scheduler.NewBacklog(engine.Downloads, engine.Records, hub, cfg.BacklogLimit, logger)
	if err := backlog.Start(cfg.BacklogSchedule); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpSrv.Run(ctx); err != nil {
			errCh <- fmt.Errorf("tcp: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http api listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("server error", zap.Error(runErr))
	}
	stop()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := backlog.Stop(shutdownCtx); err != nil {
		logger.Warn("backlog stop", zap.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	wg.Wait()
	logger.Info("servers stopped")
	return runErr
}
