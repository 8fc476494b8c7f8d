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

	"github.com/JullianMQ/lifeline/internal/alerts"
	"github.com/JullianMQ/lifeline/internal/auth"
	"github.com/JullianMQ/lifeline/internal/config"
	"github.com/JullianMQ/lifeline/internal/database"
	"github.com/JullianMQ/lifeline/internal/identity"
	"github.com/JullianMQ/lifeline/internal/locations"
	"github.com/JullianMQ/lifeline/internal/logging"
	"github.com/JullianMQ/lifeline/internal/rooms"
	"github.com/JullianMQ/lifeline/internal/server"
	"github.com/JullianMQ/lifeline/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lifeline-api",
		Short: "Lifeline emergency room and location service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newDevTokenCommand(), newWorkerCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "MySQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("retention-days", defaults.GetInt("retention.days"), "Calendar days of location history kept per user")
	cmd.PersistentFlags().String("retention-timezone", defaults.GetString("retention.timezone"), "Timezone used to bucket location history into days")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "retention.days", "retention-days")
	bindFlag(cmd, "retention.timezone", "retention-timezone")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

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

	logger, err := logging.NewLogger("lifeline-api", appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mailer, closeMailer, err := newMailer(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeMailer()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		Audience:      appConfig.SessionAudience,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	hub := rooms.NewHub(rooms.HubConfig{Logger: logger})
	defer hub.Close()

	ledger, err := locations.NewLedger(locations.LedgerConfig{
		Database:    db,
		Rooms:       hub,
		Broadcaster: hub,
		Contacts:    directory,
		Mailer:      mailer,
		Retention: locations.Retention{
			Days:     appConfig.RetentionDays,
			Location: appConfig.RetentionLocation,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Users:            directory,
		Hub:              hub,
		Ledger:           ledger,
		AllowedOrigins:   appConfig.AllowedOrigins,
		SendBuffer:       appConfig.SendBuffer,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newMailer picks the SOS email path: a redis queue drained by an in-process
// worker when alerts.redis_url is set, otherwise direct SMTP, otherwise logs.
func newMailer(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (alerts.Mailer, func(), error) {
	delivery, err := newDeliveryMailer(appConfig, logger)
	if err != nil {
		return nil, nil, err
	}
	if !appConfig.Alerts.Queued() {
		return delivery, func() {}, nil
	}

	queueConfig := alerts.QueueConfig{
		RedisURL:    appConfig.Alerts.RedisURL,
		Queue:       appConfig.Alerts.Queue,
		Concurrency: appConfig.Alerts.Concurrency,
		Logger:      logger,
	}
	queue, err := alerts.NewQueueMailer(queueConfig)
	if err != nil {
		return nil, nil, err
	}
	worker, err := alerts.NewWorker(queueConfig, delivery)
	if err != nil {
		_ = queue.Close()
		return nil, nil, err
	}
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.Run(workerCtx); err != nil {
			logger.Error("alert worker stopped", zap.Error(err))
		}
	}()
	logger.Info("alert queue enabled", zap.String("queue", appConfig.Alerts.Queue))
	return queue, func() {
		cancel()
		<-done
		_ = queue.Close()
	}, nil
}

func newDeliveryMailer(appConfig config.AppConfig, logger *zap.Logger) (alerts.Mailer, error) {
	if !appConfig.SMTP.Enabled() {
		logger.Warn("smtp not configured; sos emails will only be logged")
		return alerts.NewLogMailer(logger), nil
	}
	return alerts.NewSMTPMailer(alerts.SMTPConfig{
		Host:     appConfig.SMTP.Host,
		Port:     appConfig.SMTP.Port,
		Username: appConfig.SMTP.Username,
		Password: appConfig.SMTP.Password,
		From:     appConfig.SMTP.From,
		Logger:   logger,
	})
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the SOS email queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.Alerts.Queued() {
				return errors.New("alerts.redis_url is required to run the worker")
			}
			logger, err := logging.NewLogger("lifeline-api", appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			delivery, err := newDeliveryMailer(appConfig, logger)
			if err != nil {
				return err
			}
			worker, err := alerts.NewWorker(alerts.QueueConfig{
				RedisURL:    appConfig.Alerts.RedisURL,
				Queue:       appConfig.Alerts.Queue,
				Concurrency: appConfig.Alerts.Concurrency,
				Logger:      logger,
			}, delivery)
			if err != nil {
				return err
			}
			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("alert worker starting", zap.String("queue", appConfig.Alerts.Queue))
			return worker.Run(signalCtx)
		},
	}
}

func newDevTokenCommand() *cobra.Command {
	var (
		ident identity.Identity
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dev-token",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			token, expiresAt, err := issuer.IssueSessionToken(ident)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&ident.UserID, "user-id", "", "User id carried by the session")
	cmd.Flags().StringVar(&ident.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&ident.Phone, "phone", "", "Phone number used for contact matching")
	cmd.Flags().StringVar(&ident.Role, "role", "mutual", "Session role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
