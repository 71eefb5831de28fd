// Package cmd parses args to configure the application.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"meet/client"
	"meet/media"
	"meet/metric"
	"meet/session"
)

// Config is the flattened application configuration. File-provided values
// act as flag defaults; flags win.
type Config struct {
	Server      string `mapstructure:"server"`
	Room        string `mapstructure:"room"`
	User        string `mapstructure:"user"`
	Codec       string `mapstructure:"codec"`
	Resolution  string `mapstructure:"resolution"`
	MinUdpPort  string `mapstructure:"min_udp_port"`
	MaxUdpPort  string `mapstructure:"max_udp_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	Debug       bool   `mapstructure:"debug"`
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("server address is required")
	}
	if c.Room == "" {
		return errors.New("room id is required")
	}
	return nil
}

// Run starts the application.
func Run() {
	config, err := SetupConfig(os.Stdout, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure: %v\n", err)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if config.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	metrics := metric.New(metric.Config{
		Port: config.MetricsPort,
		Path: metric.DefaultMetricsPath,
	})
	metrics.RegisterMetrics()
	stop := make(chan struct{})
	go metrics.Start(stop)

	if err := run(config, metrics); err != nil {
		log.Error().Err(err).Msg("session ended with error")
		close(stop)
		os.Exit(1)
	}
	close(stop)
}

func run(config Config, metrics *metric.Metrics) error {
	eng, err := media.New(media.Config{
		MinUdpPort: config.MinUdpPort,
		MaxUdpPort: config.MaxUdpPort,
	})
	if err != nil {
		return err
	}

	cli, err := client.New(client.Config{
		ServerURL:  config.Server,
		UserID:     config.User,
		Codec:      session.Codec(config.Codec),
		Resolution: session.Resolution(config.Resolution),
	}, eng, metrics)
	if err != nil {
		return err
	}
	if err := cli.Connect(); err != nil {
		return err
	}
	defer func() {
		if err := cli.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close client")
		}
	}()

	stream, err := captureStream(session.Codec(config.Codec), session.Resolution(config.Resolution))
	if err != nil {
		return err
	}

	if err := cli.JoinRoom(context.Background(), stream, config.Room); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
	return nil
}

// captureStream builds the local capture tracks at the preset's dimensions.
// The capture pipeline that feeds them RTP is out of scope here; tracks start
// live and empty.
func captureStream(codec session.Codec, resolution session.Resolution) (*media.LocalStream, error) {
	streamID := "stream-" + shortuuid.New()
	audio, err := media.NewAudioTrack("audio-"+shortuuid.New(), streamID)
	if err != nil {
		return nil, err
	}
	width, height := resolution.Dimensions()
	video, err := media.NewVideoTrack("video-"+shortuuid.New(), streamID, "video/"+string(codec), width, height)
	if err != nil {
		return nil, err
	}
	return media.NewLocalStream(audio, video), nil
}

// SetupConfig sets up and returns the configuration.
func SetupConfig(w io.Writer, args []string) (Config, error) {
	config, err := Parse(w, args)
	if err != nil {
		return config, err
	}
	if err = config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Parse parses the command line arguments over file-provided defaults.
func Parse(w io.Writer, args []string) (Config, error) {
	defaults, err := loadSettings()
	if err != nil {
		return Config{}, err
	}

	con := Config{}
	fs := flag.NewFlagSet("meet", flag.ContinueOnError)
	fs.SetOutput(w)
	fs.StringVar(&con.Server, "server", defaults.Server, "signaling server address")
	fs.StringVar(&con.Room, "room", defaults.Room, "room id to join")
	fs.StringVar(&con.User, "user", defaults.User, "local user id")
	fs.StringVar(&con.Codec, "codec", defaults.Codec, "preferred video codec")
	fs.StringVar(&con.Resolution, "resolution", defaults.Resolution, "capture preset")
	fs.StringVar(&con.MinUdpPort, "min-udp-port", defaults.MinUdpPort, "minimum UDP port for WebRTC")
	fs.StringVar(&con.MaxUdpPort, "max-udp-port", defaults.MaxUdpPort, "maximum UDP port for WebRTC")
	fs.IntVar(&con.MetricsPort, "metrics-port", defaults.MetricsPort, "metrics server port")
	fs.BoolVar(&con.Debug, "debug", defaults.Debug, "debug mode")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("failed to parse args: %w", err)
	}
	if fs.NArg() != 0 {
		return Config{}, errors.New("some args are not parsed")
	}
	return con, nil
}

// loadSettings reads the optional settings file. A missing file yields plain
// defaults.
func loadSettings() (Config, error) {
	v := viper.New()
	v.SetConfigName("meet")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/meet")

	v.SetDefault("codec", string(session.VP8))
	v.SetDefault("resolution", string(session.Medium))
	v.SetDefault("metrics_port", metric.DefaultMetricsPort)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read settings file: %w", err)
		}
	}

	var con Config
	if err := v.Unmarshal(&con); err != nil {
		return Config{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	return con, nil
}
