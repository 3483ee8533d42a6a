package config

import (
	"os"
)

type EnvVars struct {
	AppName       string `yaml:"name" env:"APP_NAME" env-default:"Session Agent"`
	Env           string `yaml:"env" env:"ENV" env-default:"DEV"`
	MetricsAddr   string `yaml:"metrics_addr" env:"METRICS_ADDR" env-default:":9090"`
	LoginEmail    string `yaml:"login_email" env:"LOGIN_EMAIL"`
	LoginPassword string `yaml:"-" env:"LOGIN_PASSWORD"`
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetAppName() string {
	return e.AppName
}

func (e EnvVars) GetEnv() string {
	if e.Env == "" {
		return "DEV"
	}
	return e.Env
}

// GetMetricsAddr is the listen address for the Prometheus endpoint. Empty disables it.
func (e EnvVars) GetMetricsAddr() string {
	return e.MetricsAddr
}

func (e EnvVars) GetLoginEmail() string {
	return e.LoginEmail
}

func (e EnvVars) GetLoginPassword() string {
	return e.LoginPassword
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
