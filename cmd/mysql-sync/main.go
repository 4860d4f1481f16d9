package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/mysql-sync/internal/bus"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/config"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/database"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/hub"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/logging"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/server"
	"github.com/MarcoPoloResearchLab/mysql-sync/internal/transform"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	exitUsage    = -1
	exitStartup  = -2
	exitMainLoop = -128
)

var (
	errUsage    = errors.New("exactly one configuration file is required")
	errMainLoop = errors.New("main loop returned")
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mysql-sync <config.json>",
		Short: "Replicates row-level MySQL changes between nodes over MQTT",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errUsage
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), args[0])
		},
	}

	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	switch {
	case errors.Is(err, errUsage):
		os.Exit(exitUsage)
	case errors.Is(err, errMainLoop):
		os.Exit(exitMainLoop)
	default:
		os.Exit(exitStartup)
	}
}

func runDaemon(ctx context.Context, configPath string) error {
	appConfig, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LoggingLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	events := hub.New()

	databaseGateway, err := database.NewGateway(database.GatewayConfig{
		Hub:            events,
		MySQL:          appConfig.MySQL,
		SyncTables:     appConfig.SyncTables,
		ReceiveTables:  appConfig.ReceiveTables,
		QueueDirectory: appConfig.QueueDirectory,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	checkInterval := time.Duration(appConfig.CheckInterval) * time.Millisecond

	busGateway, err := bus.NewGateway(bus.GatewayConfig{
		Hub:            events,
		MQTT:           appConfig.MQTT,
		ClientName:     appConfig.ClientName,
		RemoteClients:  appConfig.RemoteClients,
		ReceiveTables:  appConfig.ReceiveTables,
		QueueDirectory: appConfig.QueueDirectory,
		UpdateInterval: checkInterval,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if _, err := transform.NewStage(transform.StageConfig{
		Hub:           events,
		Self:          appConfig.ClientName,
		RemoteClients: appConfig.RemoteClients,
		Directory:     appConfig.TransformerDirectory,
		DB:            databaseGateway,
		Bus:           busGateway,
		Logger:        logger,
	}); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.HTTPAddress != "" {
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Database: databaseGateway,
			Bus:      busGateway,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		opsServer := &http.Server{Addr: appConfig.HTTPAddress, Handler: handler}
		go func() {
			logger.Info("ops server starting", zap.String("address", appConfig.HTTPAddress))
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			opsServer.Shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	busGateway.Start(signalCtx)
	defer busGateway.Close()

	logger.Info("daemon starting",
		zap.String("client", appConfig.ClientName),
		zap.Strings("peers", appConfig.RemoteClients),
		zap.Strings("syncTables", appConfig.SyncTables),
		zap.Strings("receiveTables", appConfig.ReceiveTables),
		zap.Duration("checkInterval", checkInterval))

	err = events.Run(signalCtx, checkInterval, func(tickCtx context.Context) {
		databaseGateway.Tick(tickCtx)
		busGateway.Tick(tickCtx)
	})
	if errors.Is(err, context.Canceled) {
		logger.Info("daemon stopping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errMainLoop, err)
	}
	return errMainLoop
}
