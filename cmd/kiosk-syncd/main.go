package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stagebox/kiosk/internal/config"
	"github.com/stagebox/kiosk/internal/database"
	"github.com/stagebox/kiosk/internal/download"
	"github.com/stagebox/kiosk/internal/license"
	"github.com/stagebox/kiosk/internal/logging"
	"github.com/stagebox/kiosk/internal/remote"
	"github.com/stagebox/kiosk/internal/scheduler"
	"github.com/stagebox/kiosk/internal/server"
	"github.com/stagebox/kiosk/internal/store"
	"github.com/stagebox/kiosk/internal/syncer"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kiosk-syncd",
		Short: "Kiosk offline sync and license daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Loopback HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite cache path")
	cmd.PersistentFlags().String("media-dir", defaults.GetString("media.dir"), "Media download directory")
	cmd.PersistentFlags().String("remote-dsn", "", "Central store DSN (overrides env)")
	cmd.PersistentFlags().String("user-id", "", "Kiosk user identifier for history pushes")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Interval between sync passes")
	cmd.PersistentFlags().Duration("download-interval", defaults.GetDuration("download.interval"), "Interval between download batches")
	cmd.PersistentFlags().Int("download-batch-size", defaults.GetInt("download.batch_size"), "Downloads per batch")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "media.dir", "media-dir")
	bindFlag(cmd, "remote.dsn", "remote-dsn")
	bindFlag(cmd, "kiosk.user_id", "user-id")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "download.interval", "download-interval")
	bindFlag(cmd, "download.batch_size", "download-batch-size")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenShared(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	localStore, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: store.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	remoteClient, err := remote.Open(appConfig.RemoteDSN, time.Now)
	if err != nil {
		return err
	}

	licenseService, err := license.NewService(license.ServiceConfig{
		Store:  localStore,
		Keys:   remoteClient,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	syncService, err := syncer.NewService(syncer.ServiceConfig{
		Store:  localStore,
		Remote: remoteClient,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	pauser := download.NewFlagFilePauser(appConfig.PauseFlagPath)
	downloadManager, err := download.NewManager(download.ManagerConfig{
		Store:      localStore,
		Remote:     remoteClient,
		MediaDir:   appConfig.MediaDir,
		HTTPClient: &http.Client{Timeout: 0},
		Pauser:     pauser,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		License:   licenseService,
		Syncer:    syncService,
		Downloads: downloadManager,
		Store:     localStore,
		UserID:    appConfig.UserID,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	licenseService.Start(signalCtx)

	jobs, err := scheduler.New(scheduler.Config{
		Syncer:             syncService,
		Downloads:          downloadManager,
		License:            licenseService,
		Pauser:             pauser,
		SyncInterval:       appConfig.SyncInterval,
		DownloadInterval:   appConfig.DownloadInterval,
		RevalidateInterval: appConfig.RevalidateInterval,
		DownloadBatchSize:  appConfig.DownloadBatchSize,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	if err := jobs.Start(signalCtx); err != nil {
		return err
	}
	defer jobs.Stop()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
