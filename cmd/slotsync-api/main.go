package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/auth"
	"github.com/MarcoPoloResearchLab/slotsync/internal/config"
	"github.com/MarcoPoloResearchLab/slotsync/internal/database"
	"github.com/MarcoPoloResearchLab/slotsync/internal/logging"
	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/slotsync/internal/server"
	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "slotsync-api",
		Short: "Slot machine tracker backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("max-group-members", defaults.GetInt("groups.max_members"), "Default member limit of new groups")
	cmd.PersistentFlags().Int("heartbeat-seconds", defaults.GetInt("realtime.heartbeat_seconds"), "Realtime heartbeat interval in seconds")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for multi-node realtime fan-out")
	cmd.PersistentFlags().String("redis-channel", defaults.GetString("redis.channel"), "Redis pub/sub channel for realtime fan-out")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "groups.max_members", "max-group-members")
	bindFlag(cmd, "realtime.heartbeat_seconds", "heartbeat-seconds")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "redis.channel", "redis-channel")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	hub := realtime.NewHub(realtime.HubConfig{Logger: logger})

	slotsService, err := slots.NewService(slots.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: slots.NewUUIDProvider(),
		Logger:     logger,
		Publisher:  hub,
		Profiles:   userService,
		MaxMembers: appConfig.MaxGroupMembers,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator:  sessionValidator,
		Users:             userService,
		SlotsService:      slotsService,
		Hub:               hub,
		Logger:            logger,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if appConfig.Redis.Enabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     appConfig.Redis.Address,
			Password: appConfig.Redis.Password,
			DB:       appConfig.Redis.DB,
		})
		defer redisClient.Close() //nolint:errcheck

		relay, err := realtime.NewRedisRelay(realtime.RedisRelayConfig{
			Client:  redisClient,
			Channel: appConfig.Redis.Channel,
			Hub:     hub,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		group.Go(func() error {
			return relay.Run(groupCtx)
		})
	}

	return group.Wait()
}
