package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/shelfcache-go/api"
	"github.com/yourusername/shelfcache-go/internal/app"
	"github.com/yourusername/shelfcache-go/internal/domain"
	"github.com/yourusername/shelfcache-go/internal/infrastructure"
	"github.com/yourusername/shelfcache-go/pkg/logger"
)

var (
	configPath = flag.String("config", "", "Path to config.yaml (default: ./configs, $HOME/.shelfcache, /etc/shelfcache)")
	staticLink = flag.Bool("static-connectivity", false, "Report the device as always online instead of probing the media server")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shelfcache-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config, err := app.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	multiLog, err := logger.NewMultiLogger(logger.MultiLoggerConfig{
		Level:   config.Logging.Level,
		LogsDir: config.Storage.LogsDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize category logs: %w", err)
	}
	defer multiLog.Close()

	provider, err := app.LoadConfigProvider(*configPath, log)
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}

	log.Info("Starting shelfcache server",
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.String("remote", config.Remote.BaseURL),
		zap.Int("max_concurrent", config.Download.MaxConcurrent))

	if err := createDirectories(config); err != nil {
		return err
	}

	database, err := infrastructure.OpenDatabase(config.Storage.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	assetIndex, err := infrastructure.OpenAssetIndex(config.Storage.AssetIndexPath)
	if err != nil {
		return fmt.Errorf("failed to open asset index: %w", err)
	}
	defer assetIndex.Close()

	downloadRepo := infrastructure.NewSQLiteDownloadRepository(database)
	cacheRepo := infrastructure.NewSQLiteCacheRepository(database)
	remote := infrastructure.NewHTTPRemote(&config.Remote, log)
	cacheLog := multiLog.Tee(log, logger.CategoryCache)
	thumbs := infrastructure.NewThumbnailStore(config.Storage.ThumbnailsDir, remote, &config.Cache, cacheLog)
	assets := infrastructure.NewAssetStore(config.Storage.AssetsDir, assetIndex, remote, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectivity := newConnectivity(ctx, config, log)
	scheduler := app.NewNetworkScheduler(connectivity, provider, config.Network.Debounce, log)
	scheduler.Start(ctx)
	provider.OnChange(func(*domain.Config) { scheduler.Refresh() })

	strategies := domain.NewStrategySet(
		infrastructure.NewPagedStrategy(downloadRepo, cacheRepo, remote, assets, scheduler, config.Storage.DownloadsDir, log),
		infrastructure.NewPDFStrategy(downloadRepo, remote, scheduler, config.Storage.DownloadsDir, log),
		infrastructure.NewArchiveStrategy(downloadRepo, remote, scheduler, config.Storage.DownloadsDir, log),
		infrastructure.NewProxyStrategy(downloadRepo, remote, scheduler, config.Storage.DownloadsDir, log),
	)

	limiter := app.NewConcurrencyLimiter(downloadRepo, provider)
	executor := app.NewExecutor(config.Download.MaxConcurrent, scheduler, config.Download.RetryDelay, log)
	engine := app.NewDownloadEngine(downloadRepo, strategies, scheduler, limiter, executor, provider, log, multiLog)
	cache := app.NewEntityCache(cacheRepo, app.NewPolicyEvaluator(provider), thumbs, remote, cacheLog)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start download engine: %w", err)
	}
	provider.OnChange(func(*domain.Config) { engine.RebalanceQueue(context.Background()) })

	router := api.SetupRouter(api.Services{
		Downloads: engine,
		Cache:     cache,
		Network:   scheduler,
		Readiness: engine,
		LogsDir:   config.Storage.LogsDir,
	}, log, multiLog)

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Received shutdown signal")
	case err := <-serveErr:
		multiLog.LogAppError("HTTP server failed", zap.Error(err))
		log.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	engine.Stop()
	cancel()

	log.Info("Server exited")
	return nil
}

// newConnectivity returns the connectivity source. The check targets the
// media server; without one configured the device is reported online.
func newConnectivity(ctx context.Context, config *domain.Config, log *zap.Logger) domain.ConnectivityObservable {
	if *staticLink || config.Remote.BaseURL == "" {
		return infrastructure.NewStaticConnectivity(domain.Connectivity{
			Online:  true,
			Type:    domain.ConnectionUnknown,
			Metered: config.Network.Metered,
		})
	}
	reach := infrastructure.NewHTTPReachability(config.Remote.BaseURL, config.Network.CheckInterval, config.Network.Metered, log)
	go reach.Run(ctx)
	return reach
}

func createDirectories(config *domain.Config) error {
	dirs := []string{
		config.Storage.BaseDir,
		config.Storage.DownloadsDir,
		config.Storage.ThumbnailsDir,
		config.Storage.AssetsDir,
		config.Storage.LogsDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
