package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// Duration wraps time.Duration so it can be written as "2m" in the TOML file
// and in CHIRP_* environment variables.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for toml and envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler so Save round-trips.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the global ~/.chirp/config.toml. Environment variables
// prefixed CHIRP_ override file values.
type Config struct {
	ServerURL string `toml:"server_url" envconfig:"SERVER_URL"`
	PushURL   string `toml:"push_url" envconfig:"PUSH_URL"`
	AuthToken string `toml:"auth_token" envconfig:"AUTH_TOKEN"`
	UserID    string `toml:"user_id" envconfig:"USER_ID"`

	Presence Presence `toml:"presence"`
	Typing   Typing   `toml:"typing"`
	Sync     Sync     `toml:"sync"`
	Outbox   Outbox   `toml:"outbox"`
	Policy   Policy   `toml:"policy"`
}

// Presence tunes the presence estimator. The two online thresholds exist
// because the chat header and the contact list intentionally disagree on how
// recent "recent activity" has to be.
type Presence struct {
	HeaderOnlineThreshold Duration `toml:"header_online_threshold" envconfig:"PRESENCE_HEADER_ONLINE_THRESHOLD"`
	ListOnlineThreshold   Duration `toml:"list_online_threshold" envconfig:"PRESENCE_LIST_ONLINE_THRESHOLD"`
	DowngradeGrace        Duration `toml:"downgrade_grace" envconfig:"PRESENCE_DOWNGRADE_GRACE"`
	SweepInterval         Duration `toml:"sweep_interval" envconfig:"PRESENCE_SWEEP_INTERVAL"`
}

// Typing tunes the typing-indicator timers.
type Typing struct {
	OverlayExpiry Duration `toml:"overlay_expiry" envconfig:"TYPING_OVERLAY_EXPIRY"`
	StopDebounce  Duration `toml:"stop_debounce" envconfig:"TYPING_STOP_DEBOUNCE"`
	SendThrottle  Duration `toml:"send_throttle" envconfig:"TYPING_SEND_THROTTLE"`
}

// Sync tunes the reconciliation sweeps and pagination.
type Sync struct {
	RefreshInterval Duration `toml:"refresh_interval" envconfig:"SYNC_REFRESH_INTERVAL"`
	PageSize        int      `toml:"page_size" envconfig:"SYNC_PAGE_SIZE"`
}

// Outbox tunes the outgoing queue.
type Outbox struct {
	PollInterval Duration `toml:"poll_interval" envconfig:"OUTBOX_POLL_INTERVAL"`
	MaxAttempts  int      `toml:"max_attempts" envconfig:"OUTBOX_MAX_ATTEMPTS"`
	RetryBackoff Duration `toml:"retry_backoff" envconfig:"OUTBOX_RETRY_BACKOFF"`
}

// Policy holds product policy constants that are deliberately overridable
// rather than hard-coded.
type Policy struct {
	// DeleteForEveryoneWindow bounds how old a message may be and still be
	// deleted for everyone. The 68-minute default is inherited behavior, not
	// a derived rule; treat it as tunable.
	DeleteForEveryoneWindow Duration `toml:"delete_for_everyone_window" envconfig:"POLICY_DELETE_FOR_EVERYONE_WINDOW"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Presence: Presence{
			HeaderOnlineThreshold: Duration{2 * time.Minute},
			ListOnlineThreshold:   Duration{5 * time.Minute},
			DowngradeGrace:        Duration{2 * time.Minute},
			SweepInterval:         Duration{30 * time.Second},
		},
		Typing: Typing{
			OverlayExpiry: Duration{6 * time.Second},
			StopDebounce:  Duration{3 * time.Second},
			SendThrottle:  Duration{4 * time.Second},
		},
		Sync: Sync{
			RefreshInterval: Duration{time.Minute},
			PageSize:        50,
		},
		Outbox: Outbox{
			PollInterval: Duration{500 * time.Millisecond},
			MaxAttempts:  3,
			RetryBackoff: Duration{2 * time.Second},
		},
		Policy: Policy{
			DeleteForEveryoneWindow: Duration{68 * time.Minute},
		},
	}
}

// Load reads config from the given path, applies CHIRP_* environment
// overrides, and fills unset fields with defaults. A missing file is not an
// error; the defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := envconfig.Process("chirp", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
