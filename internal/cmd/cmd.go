// Package cmd is the command line interface of the governor.
package cmd

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clambin/go-common/charmer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tado-community/tado-governor/internal/cmdq"
	"github.com/tado-community/tado-governor/internal/connector"
	"github.com/tado-community/tado-governor/internal/governor"
	"github.com/tado-community/tado-governor/internal/planner"
	"github.com/tado-community/tado-governor/pkg/quota"
)

var (
	configFilename string
	RootCmd        = cobra.Command{
		Use:   "tado-governor",
		Short: "Rate-governed polling and write scheduling for Tadoº thermostats",
		RunE:  run,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			charmer.SetJSONLogger(cmd, viper.GetBool("debug"))
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&configFilename, "config", "", "Configuration file")
	RootCmd.PersistentFlags().Bool("debug", false, "Log debug messages")
	_ = viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug"))
}

var args = charmer.Arguments{
	"debug":                   charmer.Argument{Default: false, Help: "Log debug messages"},
	"tado.url":                charmer.Argument{Default: "https://my.tado.com/api/v2", Help: "Tadoº API URL"},
	"tado.auth.url":           charmer.Argument{Default: "https://auth.tado.com/oauth/token", Help: "Tadoº OAuth token URL"},
	"tado.username":           charmer.Argument{Default: "", Help: "Tadoº username"},
	"tado.password":           charmer.Argument{Default: "", Help: "Tadoº password"},
	"tado.clientSecret":       charmer.Argument{Default: "", Help: "Tadoº OAuth client secret"},
	"tado.timeout":            charmer.Argument{Default: 15 * time.Second, Help: "Remote call timeout"},
	"status.addr":             charmer.Argument{Default: ":8080", Help: "Address of the status server"},
	"database":                charmer.Argument{Default: "tado-governor.db", Help: "Path of the state database"},
	"poller.tick":             charmer.Argument{Default: 5 * time.Second, Help: "Scheduling pass interval"},
	"optimistic.ttl":          charmer.Argument{Default: 30 * time.Second, Help: "Grace period for unconfirmed values"},
	"queue.debounce":          charmer.Argument{Default: 3 * time.Second, Help: "Write debounce window"},
	"queue.retries":           charmer.Argument{Default: 2, Help: "Retry budget for transient write failures"},
	"quota.dailyLimit":        charmer.Argument{Default: 100, Help: "Daily call limit"},
	"quota.percentTarget":     charmer.Argument{Default: 0.8, Help: "Fraction of the budget polling may consume"},
	"quota.backgroundReserve": charmer.Argument{Default: 20, Help: "Calls reserved for non-polling activity"},
	"quota.throttleThreshold": charmer.Argument{Default: 10, Help: "Remaining calls below which polling throttles"},
	"quota.resetHour":         charmer.Argument{Default: 0, Help: "Hour of the daily quota reset"},
	"quota.resetMinute":       charmer.Argument{Default: 1, Help: "Minute of the daily quota reset"},
	"quota.timezone":          charmer.Argument{Default: "Europe/Berlin", Help: "Reference time zone of the quota reset"},
}

func initConfig() {
	if configFilename != "" {
		viper.SetConfigFile(configFilename)
	} else {
		viper.AddConfigPath("/etc/tado-governor/")
		viper.AddConfigPath("$HOME/.tado-governor")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
	}

	if err := charmer.SetDefaults(viper.GetViper(), args); err != nil {
		panic("failed to set viper defaults: " + err.Error())
	}

	viper.SetEnvPrefix("TADO_GOVERNOR")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", "err", err)
			os.Exit(1)
		}
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := buildConfig(viper.GetViper(), logger)
	if err != nil {
		return err
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(connector.RequestCounter, connector.RequestDuration)

	tokens := &connector.PasswordTokenSource{
		AuthURL:      viper.GetString("tado.auth.url"),
		ClientID:     "tado-web-app",
		ClientSecret: viper.GetString("tado.clientSecret"),
		Username:     viper.GetString("tado.username"),
		Password:     viper.GetString("tado.password"),
	}
	caller := connector.NewClient(
		viper.GetString("tado.url"),
		tokens,
		viper.GetDuration("tado.timeout"),
		connector.InstrumentedTransport(nil),
		logger.With(slog.String("component", "connector")),
	)

	g, err := governor.New(cfg, caller, trackParsers(), metrics, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting", slog.String("version", cmd.Root().Version))
	defer logger.Info("stopped")
	return g.Run(ctx)
}

func buildConfig(v *viper.Viper, logger *slog.Logger) (governor.Config, error) {
	tracks, err := maybeLoadTracks(filepath.Join(filepath.Dir(v.ConfigFileUsed()), "tracks.yaml"), logger)
	if err != nil {
		return governor.Config{}, err
	}

	fusion := cmdq.FusionTable{
		"overlay": {Method: "POST", Endpoint: "/overlay", Envelope: "overlays"},
		"resume":  {Method: "POST", Endpoint: "/resume", Envelope: "rooms"},
	}
	if v.IsSet("queue.fusion") {
		if err = v.UnmarshalKey("queue.fusion", &fusion); err != nil {
			return governor.Config{}, err
		}
	}

	return governor.Config{
		Quota: quota.Config{
			DailyLimit:        v.GetInt("quota.dailyLimit"),
			PercentTarget:     v.GetFloat64("quota.percentTarget"),
			BackgroundReserve: v.GetInt("quota.backgroundReserve"),
			ThrottleThreshold: v.GetInt("quota.throttleThreshold"),
			ResetHour:         v.GetInt("quota.resetHour"),
			ResetMinute:       v.GetInt("quota.resetMinute"),
			TimeZone:          v.GetString("quota.timezone"),
		},
		Planner: tracks,
		Queue: cmdq.Config{
			Debounce:    v.GetDuration("queue.debounce"),
			RetryBudget: v.GetInt("queue.retries"),
			Fusion:      fusion,
		},
		OptimisticTTL: v.GetDuration("optimistic.ttl"),
		PollTick:      v.GetDuration("poller.tick"),
		StatusAddr:    v.GetString("status.addr"),
		DatabasePath:  v.GetString("database"),
	}, nil
}

// maybeLoadTracks reads tracks.yaml next to the configuration file when it
// exists, else falls back to the default polling layout.
func maybeLoadTracks(path string, logger *slog.Logger) (planner.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no tracks.yaml found, using default tracks")
			return governor.DefaultTracks(), nil
		}
		return planner.Config{}, err
	}
	defer func() { _ = f.Close() }()

	return planner.Load(f)
}
