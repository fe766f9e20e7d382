package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultControlPort is the control port the streaming server listens on.
const DefaultControlPort = 20010

// Config holds the sender settings loaded from sender.yaml and the
// environment.
type Config struct {
	ServerHost    string `mapstructure:"server_host" yaml:"server_host"`
	ControlPort   int    `mapstructure:"control_port" yaml:"control_port"`
	ControlScheme string `mapstructure:"control_scheme" yaml:"control_scheme"`
	ControlPath   string `mapstructure:"control_path" yaml:"control_path"`
	DataProtocol  string `mapstructure:"data_protocol" yaml:"data_protocol"`

	Username   string `mapstructure:"username" yaml:"username"`
	Password   string `mapstructure:"password" yaml:"password,omitempty"`
	Workspace  string `mapstructure:"workspace" yaml:"workspace"`
	StreamType string `mapstructure:"stream_type" yaml:"stream_type"`

	ProbeWorkspace  string `mapstructure:"probe_workspace" yaml:"probe_workspace"`
	ProbeStreamType string `mapstructure:"probe_stream_type" yaml:"probe_stream_type"`

	Channels    int     `mapstructure:"channels" yaml:"channels"`
	MinChannels int     `mapstructure:"min_channels" yaml:"min_channels"`
	FrameSize   int     `mapstructure:"frame_size" yaml:"frame_size"`
	SampleRate  int     `mapstructure:"sample_rate" yaml:"sample_rate"`
	Volume      float64 `mapstructure:"volume" yaml:"volume"`
	Source      string  `mapstructure:"source" yaml:"source"`
	SourcePath  string  `mapstructure:"source_path" yaml:"source_path,omitempty"`
	ToneHz      float64 `mapstructure:"tone_hz" yaml:"tone_hz"`

	Workers            int `mapstructure:"workers" yaml:"workers"`
	TaskQueueSize      int `mapstructure:"task_queue_size" yaml:"task_queue_size"`
	FrameQueueSize     int `mapstructure:"frame_queue_size" yaml:"frame_queue_size"`
	WaitTimeoutSeconds int `mapstructure:"wait_timeout_seconds" yaml:"wait_timeout_seconds"`
	DSCP               int `mapstructure:"dscp" yaml:"dscp"`

	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	MetricsListen string `mapstructure:"metrics_listen" yaml:"metrics_listen,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerHost:         "127.0.0.1",
		ControlPort:        DefaultControlPort,
		ControlScheme:      "ws",
		ControlPath:        "/control",
		DataProtocol:       "udp",
		Workspace:          "Holodeck",
		StreamType:         "Audio",
		ProbeWorkspace:     "Holodeck",
		ProbeStreamType:    "JitterEst",
		Channels:           4,
		MinChannels:        2,
		FrameSize:          512,
		SampleRate:         48000,
		Volume:             1.0,
		Source:             "tone",
		ToneHz:             440,
		Workers:            4,
		TaskQueueSize:      16,
		FrameQueueSize:     64,
		WaitTimeoutSeconds: 30,
		DSCP:               46,
		LogLevel:           "info",
		LogFormat:          "text",
		LogMaxSizeMB:       20,
		LogMaxBackups:      3,
	}
}

// WaitTimeout is the deadline applied to every blocking handshake wait.
func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second
}

// FrameInterval is the wall-clock duration of one capture frame.
func (c *Config) FrameInterval() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.FrameSize) * time.Second / time.Duration(c.SampleRate)
}

// Load reads cfgFile, or sender.yaml from the config search path when it is
// empty, over the defaults.
func Load(cfgFile string) (*Config, error) {
	return LoadWith(viper.GetViper(), cfgFile)
}

// LoadWith reads configuration through v. Tests pass a fresh viper instance
// so they do not share global state.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("sender")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every key so Unmarshal sees SENDER_* variables even
// when the key is absent from the file.
func bindEnv(v *viper.Viper) {
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

var keys = []string{
	"server_host", "control_port", "control_scheme", "control_path", "data_protocol",
	"username", "password", "workspace", "stream_type",
	"probe_workspace", "probe_stream_type",
	"channels", "min_channels", "frame_size", "sample_rate", "volume",
	"source", "source_path", "tone_hz",
	"workers", "task_queue_size", "frame_queue_size", "wait_timeout_seconds", "dscp",
	"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
	"metrics_listen",
}

// Save writes cfg to the default config path.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML to cfgFile, or to the default path when empty.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("server_host", cfg.ServerHost)
	v.Set("control_port", cfg.ControlPort)
	v.Set("control_scheme", cfg.ControlScheme)
	v.Set("control_path", cfg.ControlPath)
	v.Set("data_protocol", cfg.DataProtocol)
	v.Set("username", cfg.Username)
	v.Set("password", cfg.Password)
	v.Set("workspace", cfg.Workspace)
	v.Set("stream_type", cfg.StreamType)
	v.Set("probe_workspace", cfg.ProbeWorkspace)
	v.Set("probe_stream_type", cfg.ProbeStreamType)
	v.Set("channels", cfg.Channels)
	v.Set("min_channels", cfg.MinChannels)
	v.Set("frame_size", cfg.FrameSize)
	v.Set("sample_rate", cfg.SampleRate)
	v.Set("volume", cfg.Volume)
	v.Set("source", cfg.Source)
	v.Set("source_path", cfg.SourcePath)
	v.Set("tone_hz", cfg.ToneHz)
	v.Set("workers", cfg.Workers)
	v.Set("task_queue_size", cfg.TaskQueueSize)
	v.Set("frame_queue_size", cfg.FrameQueueSize)
	v.Set("wait_timeout_seconds", cfg.WaitTimeoutSeconds)
	v.Set("dscp", cfg.DSCP)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)
	v.Set("metrics_listen", cfg.MetricsListen)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "sender.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Owner-only: the file carries the account password.
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "AudioSender")
	case "darwin":
		return "/Library/Application Support/AudioSender"
	default:
		return "/etc/audio-sender"
	}
}
