package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dqhieuu/pg-explore-sub000/internal/log"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration of pg-explore.
type Config struct {
	DB              string        // metadata database connection string
	Sandbox         string        // server hosting the sandbox databases
	Port            string        // HTTP listen port
	LogLevel        string        // DEBUG, INFO, WARN or ERROR
	DispatchTimeout time.Duration // how long a caller waits for its evaluation
}

// flag names by config key
var flagNames = map[string]string{
	"db":               "db",
	"sandbox":          "sandbox",
	"port":             "port",
	"log_level":        "log-level",
	"dispatch_timeout": "dispatch-timeout",
}

var envNames = map[string]string{
	"db":               "DATABASE_URL",
	"sandbox":          "SANDBOX_URL",
	"port":             "PORT",
	"log_level":        "LOG_LEVEL",
	"dispatch_timeout": "DISPATCH_TIMEOUT",
}

// Load resolves the configuration from cmd's flags, the environment (with
// .env loaded when present) and defaults, in that order. cmd may be nil.
func Load(cmd *cobra.Command) (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}

	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("dispatch_timeout", "30s")
	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, errors.Wrapf(err, "bind %s", env)
		}
	}
	if cmd != nil {
		for key, name := range flagNames {
			if flag := cmd.Flags().Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, errors.Wrapf(err, "bind --%s", name)
				}
			}
		}
	}

	cfg := Config{
		DB:              v.GetString("db"),
		Sandbox:         v.GetString("sandbox"),
		Port:            v.GetString("port"),
		LogLevel:        strings.ToUpper(v.GetString("log_level")),
		DispatchTimeout: v.GetDuration("dispatch_timeout"),
	}
	if cfg.DB == "" {
		cfg.DB = connStrFromParts()
	}
	if cfg.DB == "" {
		return Config{}, errors.New("--db flag, DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	if cfg.Sandbox == "" {
		cfg.Sandbox = cfg.DB
	}
	return cfg, nil
}

// connStrFromParts builds a connection string from the DB_* variables, or
// returns "" when any of them is missing.
func connStrFromParts() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

// AddFlags registers the persistent configuration flags on root.
func AddFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.String(flagNames["db"], "", "Metadata database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	flags.String(flagNames["sandbox"], "", "Connection string of the server hosting sandbox databases (defaults to --db)")
	flags.String(flagNames["port"], "", "HTTP port for serve (default 8080)")
	flags.String(flagNames["log_level"], "", "Log level: DEBUG, INFO, WARN or ERROR")
	flags.Duration(flagNames["dispatch_timeout"], 0, "How long a request waits for its evaluation (default 30s)")
}
