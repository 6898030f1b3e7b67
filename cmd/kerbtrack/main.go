package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/app"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/config"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/logging"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kerbtrack",
		Short: "KerbTrack ingestion service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Print the durable snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), cmd.OutOrStdout())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("feed-driver", defaults.GetString("feed.driver"), "Feed driver (mqtt, redis)")
	cmd.PersistentFlags().String("feed-topic", defaults.GetString("feed.topic"), "Feed topic or channel")
	cmd.PersistentFlags().String("mqtt-broker", defaults.GetString("mqtt.broker"), "MQTT broker URL")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Store driver (xlsx, sqlite)")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "Durable store path")
	cmd.PersistentFlags().Duration("persist-interval", defaults.GetDuration("schedule.persist_interval"), "Persist check interval")
	cmd.PersistentFlags().String("archive-schedule", defaults.GetString("archive.schedule"), "Cron schedule for snapshot archives")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "feed.driver", "feed-driver")
	bindFlag(cmd, "feed.topic", "feed-topic")
	bindFlag(cmd, "mqtt.broker", "mqtt-broker")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "schedule.persist_interval", "persist-interval")
	bindFlag(cmd, "archive.schedule", "archive-schedule")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	application, err := app.New(app.Options{Config: appConfig, Logger: logger})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(signalCtx); err != nil {
		logger.Error("service stopped", zap.Error(err))
		return err
	}
	return nil
}

func runInspect(ctx context.Context, out io.Writer) error {
	appConfig, err := config.LoadStore(viper.GetViper())
	if err != nil {
		return err
	}

	backend, closeStore, err := app.OpenStore(appConfig, nil)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	snapshot, err := backend.Load(ctx)
	if err != nil {
		return err
	}
	if !snapshot.Present {
		_, err := fmt.Fprintf(out, "no snapshot at %s\n", appConfig.StorePath)
		return err
	}

	_, err = fmt.Fprintln(out, renderSnapshot(snapshot))
	return err
}

func renderSnapshot(snapshot store.Snapshot) string {
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	rendered := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "GPS", "Address", "Message", "Image_Description").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, record := range snapshot.Rows {
		rendered.Row(record.ID, record.GPS, record.Address, record.Message, record.Annotation.DisplayValue())
	}
	return rendered.String()
}
