// Package config loads server settings from the environment and an optional
// YAML file.
package config

import (
	"strings"
	"time"

	"coachbot/internal/mail"
	"coachbot/internal/retention"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable without a fixed name.
const EnvPrefix = "COACHBOT"

// Keys used with viper. Nested keys map to COACHBOT_SECTION_NAME.
const (
	KeyPort          = "port"
	KeyBaseURL       = "base_url"
	KeyScriptFile    = "script_file"
	KeyLogLevel      = "log.level"
	KeyLogFormat     = "log.format"
	KeyAPIKey        = "openai.api_key"
	KeyAssistantID   = "openai.assistant_id"
	KeyOpenAIBaseURL = "openai.base_url"
	KeyOracleTimeout = "openai.timeout"
	KeyMailEnabled   = "mail.enabled"
	KeyMailAddress   = "mail.address"
	KeyMailPassword  = "mail.password"
	KeyIMAPAddr      = "mail.imap_addr"
	KeySMTPHost      = "mail.smtp_host"
	KeySMTPPort      = "mail.smtp_port"
	KeyCoachAddress  = "mail.coach_address"
	KeyMailTimeout   = "mail.timeout"
	KeyPollInterval  = "mail.poll_interval"
	KeyIdleInterval  = "mail.idle_interval"
	KeyErrorBackoff  = "mail.error_backoff"
	KeyNotifyTimeout = "mail.notify_timeout"
	KeyRetentionDays = "retention.days"
	KeyRetentionCron = "retention.schedule"
)

// Names kept from earlier deployments.
var legacyEnv = map[string]string{
	KeyPort:         "PORT",
	KeyAPIKey:       "OPENAI_API_KEY",
	KeyAssistantID:  "ASSISTANT_ID",
	KeyMailAddress:  "DELTA_EMAIL",
	KeyMailPassword: "DELTA_PASSWORD",
}

// Config is a snapshot of the server settings.
type Config struct {
	Port       int
	BaseURL    string
	ScriptFile string
	LogLevel   string
	LogFormat  string

	OpenAI    OpenAI
	Mail      Mail
	Retention retention.Config
}

type OpenAI struct {
	APIKey      string
	AssistantID string
	BaseURL     string
	Timeout     time.Duration
}

// Configured reports whether assistant credentials are present.
func (o OpenAI) Configured() bool {
	return o.APIKey != "" && o.AssistantID != ""
}

type Mail struct {
	Enabled       bool
	Intervals     mail.Intervals
	NotifyTimeout time.Duration
}

// Loader wraps a viper instance. Mail account settings are read through it
// on every poll cycle.
type Loader struct {
	v *viper.Viper
}

// New creates a loader with defaults and environment bindings applied.
func New() *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		// BindEnv only fails without a key.
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, 8080)
	v.SetDefault(KeyBaseURL, "http://localhost:8080")
	v.SetDefault(KeyScriptFile, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")

	v.SetDefault(KeyOpenAIBaseURL, "")
	v.SetDefault(KeyOracleTimeout, 60*time.Second)

	v.SetDefault(KeyMailEnabled, true)
	v.SetDefault(KeyIMAPAddr, "mail.cyon.ch:993")
	v.SetDefault(KeySMTPHost, "mail.cyon.ch")
	v.SetDefault(KeySMTPPort, 587)
	v.SetDefault(KeyCoachAddress, "")
	v.SetDefault(KeyMailTimeout, 30*time.Second)
	v.SetDefault(KeyPollInterval, mail.DefaultPollInterval)
	v.SetDefault(KeyIdleInterval, mail.DefaultIdleInterval)
	v.SetDefault(KeyErrorBackoff, mail.DefaultErrorBackoff)
	v.SetDefault(KeyNotifyTimeout, 30*time.Second)

	v.SetDefault(KeyRetentionDays, retention.DefaultDays)
	v.SetDefault(KeyRetentionCron, retention.DefaultSchedule)
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper { return l.v }

// ReadFile merges a YAML config file. An empty path is a no-op.
func (l *Loader) ReadFile(path string) error {
	if path == "" {
		return nil
	}
	l.v.SetConfigFile(path)
	l.v.SetConfigType("yaml")
	if err := l.v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	logrus.WithField("file", l.v.ConfigFileUsed()).Info("config file loaded")
	return nil
}

// Load returns the current settings.
func (l *Loader) Load() (*Config, error) {
	v := l.v
	cfg := &Config{
		Port:       v.GetInt(KeyPort),
		BaseURL:    strings.TrimSpace(v.GetString(KeyBaseURL)),
		ScriptFile: v.GetString(KeyScriptFile),
		LogLevel:   v.GetString(KeyLogLevel),
		LogFormat:  v.GetString(KeyLogFormat),
		OpenAI: OpenAI{
			APIKey:      v.GetString(KeyAPIKey),
			AssistantID: v.GetString(KeyAssistantID),
			BaseURL:     v.GetString(KeyOpenAIBaseURL),
			Timeout:     v.GetDuration(KeyOracleTimeout),
		},
		Mail: Mail{
			Enabled: v.GetBool(KeyMailEnabled),
			Intervals: mail.Intervals{
				Poll:    v.GetDuration(KeyPollInterval),
				Idle:    v.GetDuration(KeyIdleInterval),
				Backoff: v.GetDuration(KeyErrorBackoff),
			},
			NotifyTimeout: v.GetDuration(KeyNotifyTimeout),
		},
		Retention: retention.Config{
			Days:     v.GetInt(KeyRetentionDays),
			Schedule: v.GetString(KeyRetentionCron),
		},
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errors.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.Retention.Days <= 0 {
		return nil, errors.Errorf("retention days must be positive, got %d", cfg.Retention.Days)
	}
	return cfg, nil
}

// MailAccount reads the mailbox settings afresh on every call.
func (l *Loader) MailAccount() mail.AccountFunc {
	return func() mail.Account {
		v := l.v
		return mail.Account{
			Address:      strings.TrimSpace(v.GetString(KeyMailAddress)),
			Password:     v.GetString(KeyMailPassword),
			IMAPAddr:     v.GetString(KeyIMAPAddr),
			SMTPHost:     v.GetString(KeySMTPHost),
			SMTPPort:     v.GetInt(KeySMTPPort),
			CoachAddress: strings.TrimSpace(v.GetString(KeyCoachAddress)),
			Timeout:      v.GetDuration(KeyMailTimeout),
		}
	}
}
