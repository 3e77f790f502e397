package cmd

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relayhighlight/internal/capture"
	"github.com/agentworkforce/relayhighlight/internal/logging"
)

const envPrefix = "RELAYHIGHLIGHT_CAPTURE"

// options is the resolved capture configuration. Keys match the flag names,
// so base-url can come from --base-url, RELAYHIGHLIGHT_CAPTURE_BASE_URL or
// "base-url:" in the config file.
type options struct {
	BaseURL           string
	Token             string
	QueueDir          string
	Capacity          int
	ReconnectInterval time.Duration
	FlushInterval     time.Duration
	FlushJitter       float64
	Timeout           time.Duration
	LogLevel          string
}

func loadOptions(v *viper.Viper) options {
	return options{
		BaseURL:           v.GetString("base-url"),
		Token:             v.GetString("token"),
		QueueDir:          v.GetString("queue-dir"),
		Capacity:          v.GetInt("capacity"),
		ReconnectInterval: v.GetDuration("reconnect-interval"),
		FlushInterval:     v.GetDuration("flush-interval"),
		FlushJitter:       v.GetFloat64("flush-jitter"),
		Timeout:           v.GetDuration("timeout"),
		LogLevel:          v.GetString("log-level"),
	}
}

func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree with its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "relayhighlight-capture",
		Short: "Capture highlights into a relayhighlight service",
		Long: `relayhighlight-capture saves highlights to a relayhighlight service.

While the service is unreachable captures are queued per website under the
queue directory and replayed in order once it answers again.

Commands:
  add     Capture one highlight
  flush   Replay queued highlights now
  status  Show link state and queue depth
  run     Keep the link up and flush queues as they fill`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig(v, cfgFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./relayhighlight-capture.yaml)")
	flags.String("base-url", "http://localhost:8080", "relayhighlight service URL")
	flags.String("token", "", "bearer token for the service")
	flags.String("queue-dir", ".relayhighlight/queue", "directory for pending capture queues (empty keeps them in memory)")
	flags.Int("capacity", capture.DefaultQueueCapacity, "maximum queued captures per website")
	flags.Duration("reconnect-interval", capture.DefaultReconnectInterval, "delay between link attempts")
	flags.Duration("flush-interval", capture.DefaultFlushInterval, "periodic flush interval for run")
	flags.Float64("flush-jitter", 0.1, "flush interval jitter ratio between 0 and 1")
	flags.Duration("timeout", 15*time.Second, "per request timeout")
	flags.String("log-level", "warn", "log level")
	_ = v.BindPFlags(flags)

	root.AddCommand(newAddCommand(v), newFlushCommand(v), newStatusCommand(v), newRunCommand(v))
	return root
}

func initConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relayhighlight-capture")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/relayhighlight")
	}

	// RELAYHIGHLIGHT_CAPTURE_QUEUE_DIR -> queue-dir
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

func newLogger(cmd *cobra.Command, opts options) zerolog.Logger {
	return logging.NewWithWriter(cmd.ErrOrStderr(), "relayhighlight-capture").
		Level(logging.ParseLevel(opts.LogLevel))
}

func openSession(cmd *cobra.Command, v *viper.Viper) (*capture.Session, options, zerolog.Logger, error) {
	opts := loadOptions(v)
	logger := newLogger(cmd, opts)
	queues, err := capture.NewQueueSet(opts.QueueDir, opts.Capacity)
	if err != nil {
		return nil, opts, logger, err
	}
	client := capture.NewClient(opts.BaseURL, opts.Token, opts.Timeout)
	session, err := capture.NewSession(capture.SessionOptions{
		Store:             client,
		Linker:            client,
		Queues:            queues,
		Logger:            logger,
		ReconnectInterval: opts.ReconnectInterval,
		FlushInterval:     opts.FlushInterval,
		FlushJitter:       opts.FlushJitter,
	})
	if err != nil {
		return nil, opts, logger, err
	}
	return session, opts, logger, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
