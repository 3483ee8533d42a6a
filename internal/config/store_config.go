package config

import "time"

const (
	StoreBackendMemory = "memory"
	StoreBackendFile   = "file"
	StoreBackendRedis  = "redis"
)

// Store selects and configures the credential store medium.
type Store struct {
	Backend      string        `yaml:"backend" env:"STORE_BACKEND" env-default:"memory"`
	FilePath     string        `yaml:"file_path" env:"STORE_FILE_PATH" env-default:"./data/session.json"`
	PollInterval time.Duration `yaml:"poll_interval" env:"STORE_POLL_INTERVAL" env-default:"2s"`
	RedisURL     string        `yaml:"redis_url" env:"STORE_REDIS_URL" env-default:"redis://localhost:6379/0"`
	RedisKey     string        `yaml:"redis_key" env:"STORE_REDIS_KEY" env-default:"session:credentials"`
	RedisChannel string        `yaml:"redis_channel" env:"STORE_REDIS_CHANNEL" env-default:"session:changes"`
}

var _ StoreConfig = Store{}

func (s Store) GetStoreBackend() string {
	if s.Backend == "" {
		return StoreBackendMemory
	}
	return s.Backend
}

func (s Store) GetStoreFilePath() string {
	return s.FilePath
}

func (s Store) GetStorePollInterval() time.Duration {
	return s.PollInterval
}

func (s Store) GetRedisURL() string {
	return s.RedisURL
}

func (s Store) GetRedisKey() string {
	return s.RedisKey
}

func (s Store) GetRedisChannel() string {
	return s.RedisChannel
}
