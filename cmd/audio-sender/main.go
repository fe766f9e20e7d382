package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TheChosenO1/pamplejuce/internal/config"
	"github.com/TheChosenO1/pamplejuce/internal/logging"
)

var (
	version    = "0.1.0"
	cfgFile    string
	serverHost string
	username   string
)

var rootCmd = &cobra.Command{
	Use:   "audio-sender",
	Short: "Real-time audio sender",
	Long:  `audio-sender streams multi-channel audio to a streaming server after measuring the data channel's jitter`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect, create the audio stream and send until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		runSender()
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Connect, run the jitter probe and print the estimate",
	Run: func(cmd *cobra.Command, args []string) {
		runProbe()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		printConfig(os.Stdout)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		initConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("audio-sender v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/audio-sender/sender.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "server", "", "streaming server host")
	rootCmd.PersistentFlags().StringVar(&username, "user", "", "account user name")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration, applying flag
// overrides. Fatal problems exit the process.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if serverHost != "" {
		cfg.ServerHost = serverHost
	}
	if username != "" {
		cfg.Username = username
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Config warning: %v\n", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		}
		os.Exit(1)
	}
	return cfg
}

// initLogging routes logs to stdout, teed into a rotating file when
// log_file is set. The rotating writer is returned so SIGHUP can reopen it.
func initLogging(cfg *config.Config) *logging.RotatingWriter {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return nil
	}

	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", cfg.LogFile, err)
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return nil
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, logging.TeeWriter(os.Stdout, rw))
	return rw
}

func printConfig(w io.Writer) {
	cfg := loadConfig()
	if cfg.Password != "" {
		cfg.Password = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode config: %v\n", err)
		os.Exit(1)
	}
	enc.Close()
}

func initConfig() {
	cfg := config.Default()
	if serverHost != "" {
		cfg.ServerHost = serverHost
	}
	if username != "" {
		cfg.Username = username
	}
	if err := config.SaveTo(cfg, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Configuration written.")
}
