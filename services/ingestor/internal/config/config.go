package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel              string `yaml:"logLevel"`
	DatabaseURL           string `yaml:"databaseURL"`
	LedgerRPCURL          string `yaml:"ledgerRpcURL"`
	CourseContract        string `yaml:"courseContract"`
	ReconnectDelaySeconds int    `yaml:"reconnectDelaySeconds"`
	MaxReconnectSeconds   int    `yaml:"maxReconnectSeconds"`
}

// Load reads config from path (defaults to config.yaml). A local .env
// file, when present, is folded into the environment first.
func Load(path string) (FileConfig, error) {
	_ = godotenv.Load()
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LEDGER_RPC_URL"); v != "" {
		cfg.LedgerRPCURL = v
	}
	if v := os.Getenv("COURSE_CONTRACT"); v != "" {
		cfg.CourseContract = strings.TrimSpace(v)
	}
	if v := os.Getenv("INGESTOR_RECONNECT_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectDelaySeconds = n
		}
	}
	if v := os.Getenv("INGESTOR_MAX_RECONNECT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReconnectSeconds = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.LedgerRPCURL) == "" {
		return errors.New("config: ledgerRpcURL is required (set in config.yaml or LEDGER_RPC_URL)")
	}
	if strings.TrimSpace(cfg.CourseContract) == "" {
		return errors.New("config: courseContract is required (set in config.yaml or COURSE_CONTRACT)")
	}
	if cfg.ReconnectDelaySeconds < 0 || cfg.MaxReconnectSeconds < 0 {
		return errors.New("config: reconnect delays must be >= 0")
	}
	return nil
}
