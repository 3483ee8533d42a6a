package config

import "time"

// SessionPolicy holds the timing knobs of the session lifecycle.
type SessionPolicy struct {
	RefreshInterval      time.Duration `yaml:"refresh_interval" env:"SESSION_REFRESH_INTERVAL" env-default:"30m"`
	IdleTimeout          time.Duration `yaml:"idle_timeout" env:"SESSION_IDLE_TIMEOUT" env-default:"8h"`
	RefreshTimeout       time.Duration `yaml:"refresh_timeout" env:"SESSION_REFRESH_TIMEOUT" env-default:"15s"`
	ActivitySignals      []string      `yaml:"activity_signals" env:"SESSION_ACTIVITY_SIGNALS" env-separator:"," env-default:"pointerdown,keydown,scroll,touchstart,click"`
	ActivityPersistEvery time.Duration `yaml:"activity_persist_every" env:"SESSION_ACTIVITY_PERSIST_EVERY" env-default:"1s"`
}

var _ SessionConfig = SessionPolicy{}

func (s SessionPolicy) GetRefreshInterval() time.Duration {
	if s.RefreshInterval <= 0 {
		return 30 * time.Minute
	}
	return s.RefreshInterval
}

func (s SessionPolicy) GetIdleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return 8 * time.Hour
	}
	return s.IdleTimeout
}

func (s SessionPolicy) GetRefreshTimeout() time.Duration {
	if s.RefreshTimeout <= 0 {
		return 15 * time.Second
	}
	return s.RefreshTimeout
}

func (s SessionPolicy) GetActivitySignals() []string {
	if len(s.ActivitySignals) == 0 {
		return []string{"pointerdown", "keydown", "scroll", "touchstart", "click"}
	}
	return s.ActivitySignals
}

func (s SessionPolicy) GetActivityPersistEvery() time.Duration {
	return s.ActivityPersistEvery
}

// API describes the remote authentication API.
type API struct {
	BaseURL        string        `yaml:"base_url" env:"API_BASE_URL" env-default:"http://localhost:8080"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"API_REQUEST_TIMEOUT" env-default:"30s"`
}

var _ APIConfig = API{}

func (a API) GetBaseURL() string {
	return a.BaseURL
}

func (a API) GetRequestTimeout() time.Duration {
	return a.RequestTimeout
}
