package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const configPathEnvVar = "CONFIG_PATH"

type Config interface {
	EnvConfig
	SessionConfig
	APIConfig
	StoreConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetMetricsAddr() string
	GetLoginEmail() string
	GetLoginPassword() string
}

type SessionConfig interface {
	GetRefreshInterval() time.Duration
	GetIdleTimeout() time.Duration
	GetRefreshTimeout() time.Duration
	GetActivitySignals() []string
	GetActivityPersistEvery() time.Duration
}

type APIConfig interface {
	GetBaseURL() string
	GetRequestTimeout() time.Duration
}

type StoreConfig interface {
	GetStoreBackend() string
	GetStoreFilePath() string
	GetStorePollInterval() time.Duration
	GetRedisURL() string
	GetRedisKey() string
	GetRedisChannel() string
}

type mainConfig struct {
	EnvVars       `yaml:"app"`
	SessionPolicy `yaml:"session"`
	API           `yaml:"api"`
	Store         `yaml:"store"`
}

// New reads configuration from the file named by CONFIG_PATH, if set, overlaid
// with environment variables. Unset values fall back to their defaults.
func New() (Config, error) {
	return Load(os.Getenv(configPathEnvVar))
}

// Load reads configuration from a YAML file at path (optional) and the environment.
func Load(path string) (Config, error) {
	var cfg mainConfig

	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("[config Load] failed to read %q: %w", path, err)
		}
		return cfg, nil
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("[config Load] failed to read env: %w", err)
	}
	return cfg, nil
}

// MustLoad panics when configuration cannot be read.
func MustLoad() Config {
	cfg, err := New()
	if err != nil {
		panic(err)
	}
	return cfg
}
