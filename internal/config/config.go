package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SELLY_STREAM_TARGET.
const EnvPrefix = "SELLY"

type Config struct {
	SessionID  string `mapstructure:"session_id"`
	OutputPath string `mapstructure:"output_path"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`

	FrameDurationMs  int `mapstructure:"frame_duration_ms"`
	LoopbackBufferMs int `mapstructure:"loopback_buffer_ms"`
	ChannelCapacity  int `mapstructure:"channel_capacity"`
	IdleSleepMicros  int `mapstructure:"idle_sleep_us"`
	WavBatchFrames   int `mapstructure:"wav_batch_frames"`

	StreamTarget string `mapstructure:"stream_target"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	MetricsAddr   string `mapstructure:"metrics_addr"`
	WriteManifest bool   `mapstructure:"write_manifest"`

	Archive ArchiveConfig `mapstructure:"archive"`
}

// ArchiveConfig selects where a finished recording is copied after finalization.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Prefix   string `mapstructure:"prefix"`

	LocalDir string `mapstructure:"local_dir"`

	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	AzureConnectionString string `mapstructure:"azure_connection_string"`
	AzureContainer        string `mapstructure:"azure_container"`

	GCSCredentialsFile string `mapstructure:"gcs_credentials_file"`

	B2AccountID string `mapstructure:"b2_account_id"`
	B2Key       string `mapstructure:"b2_key"`
}

func Default() *Config {
	return &Config{
		SampleRate:       48000,
		Channels:         2,
		FrameDurationMs:  100,
		LoopbackBufferMs: 100,
		IdleSleepMicros:  100,
		WavBatchFrames:   4800,
		StreamTarget:     "stdout",
		LogLevel:         "info",
		LogFormat:        "text",
		WriteManifest:    true,
	}
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"session":      "session_id",
	"out":          "output_path",
	"sample-rate":  "sample_rate",
	"channels":     "channels",
	"stream":       "stream_target",
	"log-level":    "log_level",
	"log-format":   "log_format",
	"log-file":     "log_file",
	"metrics-addr": "metrics_addr",
}

// Load reads the config file (explicit path or the default search path),
// SELLY_* environment overrides, and any flags present in flags.
// A missing default config file is not an error.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("selly-capture")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("session_id", d.SessionID)
	v.SetDefault("output_path", d.OutputPath)
	v.SetDefault("sample_rate", d.SampleRate)
	v.SetDefault("channels", d.Channels)
	v.SetDefault("frame_duration_ms", d.FrameDurationMs)
	v.SetDefault("loopback_buffer_ms", d.LoopbackBufferMs)
	v.SetDefault("channel_capacity", d.ChannelCapacity)
	v.SetDefault("idle_sleep_us", d.IdleSleepMicros)
	v.SetDefault("wav_batch_frames", d.WavBatchFrames)
	v.SetDefault("stream_target", d.StreamTarget)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("write_manifest", d.WriteManifest)

	for _, key := range []string{
		"provider", "prefix", "local_dir", "bucket", "region", "endpoint",
		"access_key_id", "secret_access_key", "azure_connection_string",
		"azure_container", "gcs_credentials_file", "b2_account_id", "b2_key",
	} {
		v.SetDefault("archive."+key, "")
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Selly")
	case "darwin":
		return "/Library/Application Support/Selly"
	default:
		return "/etc/selly"
	}
}
