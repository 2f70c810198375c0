package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/unitedctf/instancer/internal/sentinel"
)

// ErrBadTTL is returned by ParseTTL for strings that do not match the
// accepted "<count><unit>" form.
const ErrBadTTL = sentinel.Error("ttl must match ^[1-9][0-9]*[smhd]$")

// ttlPattern accepts a positive integer count followed by a single unit
// suffix: s(econds), m(inutes), h(ours) or d(ays).
var ttlPattern = regexp.MustCompile(`^([1-9][0-9]*)([smhd])$`)

// Config is the operator-facing configuration, loaded once at startup from
// a TOML document. All fields are immutable after Load returns.
type Config struct {
	Settings   Settings                   `mapstructure:"settings"`
	Database   Database                   `mapstructure:"database"`
	Discord    Discord                    `mapstructure:"discord"`
	Deployers  map[string]Deployer        `mapstructure:"deployers"`
	Challenges map[string]ChallengeConfig `mapstructure:"challenges"`
	Messages   Messages                   `mapstructure:"messages"`
}

// Settings holds process-wide tunables.
type Settings struct {
	// MaxConcurrentChallenges caps the number of simultaneously persisted
	// instances per user. Enforced transactionally by the store.
	MaxConcurrentChallenges uint32 `mapstructure:"max_concurrent_challenges"`

	// WorkerCount is the number of deployment workers draining the request
	// queue. Must be at least 1.
	WorkerCount uint32 `mapstructure:"worker_count"`

	// ListenOn is the host:port the HTTP server binds.
	ListenOn string `mapstructure:"listen_on"`

	// DeployTimeout bounds a single deployer script invocation. Zero means
	// no timeout: the worker waits for the script indefinitely.
	DeployTimeout time.Duration `mapstructure:"deploy_timeout"`

	// RateLimitInterval and RateLimitBurst parameterize the per-user token
	// bucket consulted before every challenge action.
	RateLimitInterval time.Duration `mapstructure:"rate_limit_interval"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`

	// SessionSecret keys the session cookie store.
	SessionSecret string `mapstructure:"session_secret"`

	// StaticDir is served at the HTTP root for the dashboard frontend.
	// Empty disables static file serving.
	StaticDir string `mapstructure:"static_dir"`
}

// Database locates the embedded SQLite database.
type Database struct {
	FilePath string `mapstructure:"file_path"`
}

// Discord holds the OAuth2 application credentials and the guild users must
// belong to.
type Discord struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
	ServerID     string `mapstructure:"server_id"`
}

// Deployer names an external executable implementing the four lifecycle
// actions.
type Deployer struct {
	Path string `mapstructure:"path"`
}

// ChallengeConfig is the raw per-challenge configuration entry. TTL stays a
// string here; the catalog converts it to seconds via ParseTTL.
type ChallengeConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	TTL         string `mapstructure:"ttl"`
	Deployer    string `mapstructure:"deployer"`
}

// Messages holds the user-visible message templates. Each template receives
// the challenge name (or, where noted, an integer) as its single fmt verb.
// Operators override these to localize the frontend.
type Messages struct {
	StartSuccess   string `mapstructure:"start_success"`
	StartFailure   string `mapstructure:"start_failure"`
	StopSuccess    string `mapstructure:"stop_success"`
	StopFailure    string `mapstructure:"stop_failure"`
	RestartSuccess string `mapstructure:"restart_success"`
	RestartFailure string `mapstructure:"restart_failure"`
	CleanupDone    string `mapstructure:"cleanup_done"`
	ExtendSuccess  string `mapstructure:"extend_success"`

	// LimitReached receives the configured concurrency limit (%d).
	LimitReached string `mapstructure:"limit_reached"`

	// RateLimited receives the number of seconds to wait (%d).
	RateLimited string `mapstructure:"rate_limited"`
}

// setDefaults registers fallback values so a minimal config file still
// yields a runnable process.
func setDefaults(v *viper.Viper) {
	v.SetDefault("settings.max_concurrent_challenges", 3)
	v.SetDefault("settings.worker_count", 4)
	v.SetDefault("settings.listen_on", "0.0.0.0:3000")
	v.SetDefault("settings.deploy_timeout", "0s")
	v.SetDefault("settings.rate_limit_interval", "2s")
	v.SetDefault("settings.rate_limit_burst", 1)
	v.SetDefault("settings.static_dir", "static")

	v.SetDefault("messages.start_success", "Challenge <strong>%s</strong> has been started!")
	v.SetDefault("messages.start_failure", "Challenge <strong>%s</strong> could not be started.<br>Contact an administrator if the error persists.")
	v.SetDefault("messages.stop_success", "Challenge <strong>%s</strong> has been stopped.")
	v.SetDefault("messages.stop_failure", "Challenge <strong>%s</strong> could not be stopped.<br>Contact an administrator if the error persists.")
	v.SetDefault("messages.restart_success", "Challenge <strong>%s</strong> has been restarted!")
	v.SetDefault("messages.restart_failure", "Challenge <strong>%s</strong> could not be restarted.<br>Contact an administrator if the error persists.")
	v.SetDefault("messages.cleanup_done", "Challenge <strong>%s</strong> has been reset.")
	v.SetDefault("messages.extend_success", "Challenge <strong>%s</strong> has been extended.")
	v.SetDefault("messages.limit_reached", "You cannot run more than %d challenges at once.")
	v.SetDefault("messages.rate_limited", "Please wait %d seconds before the next action.")
}

// Load reads the TOML document at path and unmarshals it into a validated
// Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all Config invariants and returns an error describing
// every violation found. It uses errors.Join so operators can fix all
// problems in a single pass rather than one at a time.
func (c *Config) Validate() error {
	var errs []error

	if c.Settings.MaxConcurrentChallenges == 0 {
		errs = append(errs, errors.New("settings.max_concurrent_challenges must be greater than 0"))
	}
	if c.Settings.WorkerCount == 0 {
		errs = append(errs, errors.New("settings.worker_count must be greater than 0"))
	}
	if c.Settings.ListenOn == "" {
		errs = append(errs, errors.New("settings.listen_on must not be empty"))
	}
	if c.Settings.DeployTimeout < 0 {
		errs = append(errs, fmt.Errorf("settings.deploy_timeout must not be negative, got %s", c.Settings.DeployTimeout))
	}
	if c.Settings.RateLimitInterval <= 0 {
		errs = append(errs, fmt.Errorf("settings.rate_limit_interval must be greater than 0, got %s", c.Settings.RateLimitInterval))
	}
	if c.Settings.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("settings.rate_limit_burst must be at least 1, got %d", c.Settings.RateLimitBurst))
	}
	if c.Settings.SessionSecret == "" {
		errs = append(errs, errors.New("settings.session_secret must not be empty"))
	}
	if c.Database.FilePath == "" {
		errs = append(errs, errors.New("database.file_path must not be empty"))
	}

	for id, ch := range c.Challenges {
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("challenges.%s.name must not be empty", id))
		}
		if _, err := ParseTTL(ch.TTL); err != nil {
			errs = append(errs, fmt.Errorf("challenges.%s.ttl: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

// ParseTTL converts a "<count><unit>" time-to-live string to seconds.
// Units: s=1, m=60, h=3600, d=86400. The count must be a positive integer
// with no leading zero.
func ParseTTL(s string) (uint32, error) {
	m := ttlPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%q: %w", s, ErrBadTTL)
	}

	count, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, ErrBadTTL)
	}

	var unit uint64
	switch m[2] {
	case "s":
		unit = 1
	case "m":
		unit = 60
	case "h":
		unit = 3600
	case "d":
		unit = 86400
	}

	secs := count * unit
	if secs > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%q overflows: %w", s, ErrBadTTL)
	}
	return uint32(secs), nil
}
