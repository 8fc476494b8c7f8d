package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JullianMQ/lifeline/internal/alerttransport"
	"github.com/JullianMQ/lifeline/internal/config"
	"github.com/JullianMQ/lifeline/internal/database"
	"github.com/JullianMQ/lifeline/internal/detector"
	"github.com/JullianMQ/lifeline/internal/incident"
	"github.com/JullianMQ/lifeline/internal/logging"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const lingerGrace = 5 * time.Second

var (
	cfgFile string
	envFile string
	input   string
	linger  time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lifeline-device",
		Short: "Replay sensor captures through the on-device emergency pipeline",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDeviceDefaults(viper.GetViper())
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before reading the environment")
	cmd.Flags().StringVar(&input, "input", "-", "JSONL capture to replay (- for stdin)")
	cmd.Flags().DurationVar(&linger, "linger", 0, "How long to keep running after the capture ends (default auto-send delay plus a grace period)")
	cmd.PersistentFlags().String("server-url", "", "Lifeline API base URL")
	cmd.PersistentFlags().String("session-token", "", "Session token presented to the API")
	cmd.PersistentFlags().String("incident-db", "", "SQLite file holding the active incident")
	cmd.PersistentFlags().Bool("live-socket", true, "Open the room websocket for live SOS delivery")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	bindFlag(cmd, "device.server_url", "server-url")
	bindFlag(cmd, "device.session_token", "session-token")
	bindFlag(cmd, "device.incident_db", "incident-db")
	bindFlag(cmd, "device.live_socket", "live-socket")
	bindFlag(cmd, "log.level", "log-level")
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
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}
	return nil
}

func runDevice(ctx context.Context) error {
	deviceConfig, err := config.LoadDevice(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger("lifeline-device", deviceConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenSQLite(deviceConfig.IncidentDBPath)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := incident.NewGormStore(db)
	if err != nil {
		return err
	}

	foreground := deviceConfig.Foreground
	arbiter := incident.NewArbiter(signalCtx, incident.ArbiterConfig{
		Store:        store,
		Notifier:     logNotifier{logger: logger},
		Foreground:   func() bool { return foreground },
		Cooldown:     deviceConfig.Cooldown,
		SnoozeWindow: deviceConfig.SnoozeWindow,
		Logger:       logger,
	})
	defer arbiter.Close()

	client, err := alerttransport.NewClient(alerttransport.ClientConfig{
		ServerURL:    deviceConfig.ServerURL,
		SessionToken: deviceConfig.SessionToken,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	var live alerttransport.LiveSOS
	if deviceConfig.LiveSocket {
		link := alerttransport.NewLiveLink(alerttransport.LiveLinkConfig{
			Socket: alerttransport.SocketConfig{
				ServerURL:    deviceConfig.ServerURL,
				SessionToken: deviceConfig.SessionToken,
			},
			OnMessage: func(message alerttransport.Inbound) {
				logger.Info("server message", zap.String("type", message.Type), zap.String("room_id", message.RoomID))
			},
			Logger: logger,
		})
		live = link
		linkCtx, cancelLink := context.WithCancel(signalCtx)
		linkDone := make(chan struct{})
		go func() {
			defer close(linkDone)
			if err := link.Run(linkCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("live socket stopped; sos will use rest only", zap.Error(err))
			}
		}()
		defer func() {
			cancelLink()
			<-linkDone
		}()
	}

	tracker := alerttransport.NewLocationTracker()
	bridge, err := alerttransport.NewBridge(signalCtx, alerttransport.BridgeConfig{
		Incidents:     arbiter,
		Poster:        client,
		Live:          live,
		Evidence:      logEvidence{logger: logger},
		Locations:     tracker,
		AutoSendAfter: deviceConfig.AutoSendAfter,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer bridge.Close()

	source, closeSource, err := openInput(input)
	if err != nil {
		return err
	}
	defer closeSource()

	sessionID := uuid.NewString()
	logger.Info("monitoring session started", zap.String("session_id", sessionID), zap.String("input", input))

	replayer := &pipeline{
		classifier: detector.New(sessionID, deviceConfig.Thresholds),
		incidents:  arbiter,
		responder:  bridge,
		locations:  tracker,
		poster:     client,
		logger:     logger,
	}
	stats, err := replayer.replay(signalCtx, source)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("capture replayed",
		zap.Int("records", stats.Lines),
		zap.Int("samples", stats.Samples),
		zap.Int("events", stats.Events),
		zap.Int("incidents", stats.Incidents),
		zap.Int("locations", stats.Locations),
		zap.Int("skipped", stats.Skipped),
	)

	wait := linger
	if wait <= 0 {
		wait = deviceConfig.AutoSendAfter + lingerGrace
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-signalCtx.Done():
	case <-timer.C:
	}
	if active, ok := arbiter.Active(); ok {
		logger.Info("session ending with active incident",
			zap.String("incident_id", active.ID),
			zap.Bool("sos_sent", active.SOSSent),
		)
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open capture: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

// logNotifier stands in for the platform's full-screen call-style alert.
type logNotifier struct {
	logger *zap.Logger
}

func (n logNotifier) DisplayCallStyleNotification(_ context.Context, incidentID string) error {
	n.logger.Warn("emergency alert displayed", zap.String("incident_id", incidentID))
	return nil
}

type logEvidence struct {
	logger *zap.Logger
}

func (e logEvidence) OnConfirmedIncident(incidentID string) {
	e.logger.Info("evidence capture requested", zap.String("incident_id", incidentID))
}
