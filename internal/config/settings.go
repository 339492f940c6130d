package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshsymonds/mailwatch/internal/rate"
)

// DefaultPushServiceAccount is the identity Gmail publishes notifications as.
const DefaultPushServiceAccount = "gmail-api-push@system.gserviceaccount.com"

// Settings configures the mailwatch process.
type Settings struct {
	// Project is the cloud project owning the notification topics.
	Project            string `yaml:"project"`
	PushServiceAccount string `yaml:"push_service_account"`
	// CallbackRoot is the public URL prefix that push endpoints hang off,
	// e.g. https://mail.example.com/mailboxes/.
	CallbackRoot      string        `yaml:"callback_root"`
	RenewalMargin     time.Duration `yaml:"renewal_margin"`
	HistoryPageSize   int           `yaml:"history_page_size"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	// Store is a property store URL; see property.Open.
	Store             string `yaml:"store"`
	Listen            string `yaml:"listen"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
	CredentialsDir    string `yaml:"credentials_dir"`
	PubSubCredentials string `yaml:"pubsub_credentials"`
	Telemetry         bool   `yaml:"telemetry"`
	LogLevel          string `yaml:"log_level"`
}

// DefaultSettings returns settings with every optional field populated.
func DefaultSettings() Settings {
	return Settings{
		PushServiceAccount: DefaultPushServiceAccount,
		RenewalMargin:      72 * time.Hour,
		HistoryPageSize:    500,
		RequestsPerSecond:  10,
		Burst:              10,
		Store:              "memory://",
		Listen:             ":8080",
		MaxBodyBytes:       1 << 20,
		CredentialsDir:     "credentials",
		LogLevel:           "info",
	}
}

// LoadSettings reads a YAML settings file over the defaults. An empty path
// returns the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

// Validate checks the fields that have no usable default.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Project) == "" {
		errs = append(errs, errors.New("project is required"))
	}
	if strings.TrimSpace(s.CallbackRoot) == "" {
		errs = append(errs, errors.New("callback_root is required"))
	}
	if s.RenewalMargin <= 0 {
		errs = append(errs, errors.New("renewal_margin must be positive"))
	}
	if s.HistoryPageSize < 0 {
		errs = append(errs, errors.New("history_page_size must not be negative"))
	}
	if s.RequestsPerSecond <= 0 || s.RequestsPerSecond > rate.MaxRate {
		errs = append(errs, fmt.Errorf("requests_per_second must be between 1 and %d", rate.MaxRate))
	}
	return errors.Join(errs...)
}
