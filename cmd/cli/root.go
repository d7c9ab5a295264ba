// Package cli provides the Cobra command tree of portgate: one-shot scans
// from the terminal, the HTTP/WebSocket server and version information.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/portgate/internal/config"
	"github.com/anstrom/portgate/internal/logging"
)

const (
	envPrefix         = "PORTGATE"
	defaultConfigFile = "config.yaml"
)

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "portgate",
	Short: "Rate-limited adaptive port scanner",
	Long: `Portgate scans TCP and UDP ports of a single target with connect, SYN,
FIN, NULL, XMAS and UDP probes. It orders ports by priority, adapts its
concurrency to network conditions, detects services and operating systems,
caches results and enforces per-client and per-target rate limits.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// overridable lists the settings that PORTGATE_* environment variables may
// replace, e.g. PORTGATE_STORE_ADDR.
var overridable = []string{
	"engine.scan_type",
	"engine.default_ports",
	"store.backend",
	"store.addr",
	"store.password",
	"database.host",
	"database.port",
	"database.database",
	"database.username",
	"database.password",
	"database.ssl_mode",
	"api.listen_addr",
	"api.port",
	"logging.level",
	"logging.format",
	"logging.output",
}

// loadConfig reads the YAML configuration, applies environment overrides and
// validates the result.
func loadConfig() (*config.Config, error) {
	path := viper.ConfigFileUsed()
	if path == "" {
		path = cfgFile
	}
	if path == "" {
		path = defaultConfigFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, viper.GetViper())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	for _, key := range overridable {
		if !v.IsSet(key) {
			continue
		}
		switch key {
		case "engine.scan_type":
			cfg.Engine.ScanType = v.GetString(key)
		case "engine.default_ports":
			cfg.Engine.DefaultPorts = v.GetString(key)
		case "store.backend":
			cfg.Store.Backend = v.GetString(key)
		case "store.addr":
			cfg.Store.Addr = v.GetString(key)
		case "store.password":
			cfg.Store.Password = v.GetString(key)
		case "database.host":
			cfg.Database.Host = v.GetString(key)
		case "database.port":
			cfg.Database.Port = v.GetInt(key)
		case "database.database":
			cfg.Database.Database = v.GetString(key)
		case "database.username":
			cfg.Database.Username = v.GetString(key)
		case "database.password":
			cfg.Database.Password = v.GetString(key)
		case "database.ssl_mode":
			cfg.Database.SSLMode = v.GetString(key)
		case "api.listen_addr":
			cfg.API.ListenAddr = v.GetString(key)
		case "api.port":
			cfg.API.Port = v.GetInt(key)
		case "logging.level":
			cfg.Logging.Level = logging.LogLevel(v.GetString(key))
		case "logging.format":
			cfg.Logging.Format = logging.LogFormat(v.GetString(key))
		case "logging.output":
			cfg.Logging.Output = v.GetString(key)
		}
	}
}

// initLogging installs the configured logger as the default. Verbose mode
// forces debug level.
func initLogging(cfg *config.Config) *logging.Logger {
	logConfig := cfg.Logging
	if verbose {
		logConfig.Level = logging.LevelDebug
		logConfig.AddSource = true
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
		logger = logging.Default()
	}
	logging.SetDefault(logger)
	return logger
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}
