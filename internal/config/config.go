package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env           string `mapstructure:"ENV"`
	LogFormat     string `mapstructure:"LOG_FORMAT"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema      string `mapstructure:"DB_SCHEMA"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	LegacyBaseURL    string        `mapstructure:"LEGACY_BASE_URL"`
	LegacyDatabase   string        `mapstructure:"LEGACY_DATABASE"`
	LegacyDialect    string        `mapstructure:"LEGACY_DIALECT"`
	LegacyAuth       string        `mapstructure:"LEGACY_AUTH"`
	LegacyUsername   string        `mapstructure:"LEGACY_USERNAME"`
	LegacyPassword   string        `mapstructure:"LEGACY_PASSWORD"`
	LegacyPageSize   int           `mapstructure:"LEGACY_PAGE_SIZE"`
	LegacyTimeout    time.Duration `mapstructure:"LEGACY_TIMEOUT"`
	LegacyDateLayout string        `mapstructure:"LEGACY_DATE_LAYOUT"`
	LegacyTimezone   string        `mapstructure:"LEGACY_TIMEZONE"`
	LegacyLayouts    []string      `mapstructure:"LEGACY_LAYOUTS"`

	ImportSource    string `mapstructure:"IMPORT_SOURCE"`
	AttachmentDir   string `mapstructure:"ATTACHMENT_DIR"`
	LookupTables    string `mapstructure:"LOOKUP_TABLES_FILE"`
	ProgressEvery   int    `mapstructure:"PROGRESS_EVERY"`
	MetricsTextfile string `mapstructure:"METRICS_TEXTFILE"`

	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Region    string `mapstructure:"S3_REGION"`
	S3AccessKey string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey string `mapstructure:"S3_SECRET_KEY"`
	S3UseSSL    bool   `mapstructure:"S3_USE_SSL"`

	SenderName  string `mapstructure:"SENDER_NAME"`
	SenderEmail string `mapstructure:"SENDER_EMAIL"`
	SMSSenderID string `mapstructure:"SMS_SENDER_ID"`
}

// Messaging is the clinic-wide default sender used for email and SMS. It is
// loaded once and handed to whatever needs it.
type Messaging struct {
	SenderName  string
	SenderEmail string
	SMSSenderID string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_FORMAT", "") // "" -> console in development, json otherwise
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("LEGACY_DIALECT", "fmdata")
	v.SetDefault("LEGACY_AUTH", "session")
	v.SetDefault("LEGACY_PAGE_SIZE", 100)
	v.SetDefault("LEGACY_TIMEOUT", "60s")
	v.SetDefault("LEGACY_DATE_LAYOUT", "01/02/2006")
	v.SetDefault("LEGACY_TIMEZONE", "UTC")
	v.SetDefault("IMPORT_SOURCE", "filemaker")
	v.SetDefault("PROGRESS_EVERY", 100)
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_USE_SSL", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"ENV", "LOG_FORMAT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "MIGRATIONS_DIR",
		"LEGACY_BASE_URL", "LEGACY_DATABASE", "LEGACY_DIALECT", "LEGACY_AUTH", "LEGACY_USERNAME",
		"LEGACY_PASSWORD", "LEGACY_PAGE_SIZE", "LEGACY_TIMEOUT", "LEGACY_DATE_LAYOUT", "LEGACY_TIMEZONE",
		"LEGACY_LAYOUTS", "IMPORT_SOURCE", "ATTACHMENT_DIR", "LOOKUP_TABLES_FILE", "PROGRESS_EVERY",
		"METRICS_TEXTFILE", "S3_ENDPOINT", "S3_BUCKET", "S3_REGION", "S3_ACCESS_KEY", "S3_SECRET_KEY",
		"S3_USE_SSL", "SENDER_NAME", "SENDER_EMAIL", "SMS_SENDER_ID",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.LegacyLayouts == nil {
		layouts := v.GetString("LEGACY_LAYOUTS")
		if layouts != "" {
			cfg.LegacyLayouts = strings.Split(layouts, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if !cfg.IsDev() && cfg.LegacyBaseURL != "" && !strings.HasPrefix(cfg.LegacyBaseURL, "https://") {
		log.Println("WARNING: LEGACY_BASE_URL is not https; legacy credentials will be sent in clear text.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ConsoleLogs reports whether logs should be human-readable rather than JSON.
func (c *Config) ConsoleLogs() bool {
	if c.LogFormat != "" {
		return c.LogFormat == "console"
	}
	return c.IsDev()
}

// Messaging returns the default sender settings.
func (c *Config) Messaging() Messaging {
	return Messaging{
		SenderName:  c.SenderName,
		SenderEmail: c.SenderEmail,
		SMSSenderID: c.SMSSenderID,
	}
}

// LayoutFor returns the legacy layout (FileMaker) or entity set (OData) name
// for an import phase. LEGACY_LAYOUTS holds "phase=Layout" pairs; phases not
// listed fall back to the title-cased phase name without dashes.
func (c *Config) LayoutFor(phase string) string {
	for _, pair := range c.LegacyLayouts {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), phase) {
			return strings.TrimSpace(v)
		}
	}
	var b strings.Builder
	for _, part := range strings.Split(phase, "-") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	return b.String()
}

// S3Enabled reports whether object storage is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Endpoint != ""
}

// Validate checks that the configuration is coherent before any phase runs.
func (c *Config) Validate() error {
	switch c.LegacyDialect {
	case "odata", "fmdata":
	default:
		return fmt.Errorf("LEGACY_DIALECT must be \"odata\" or \"fmdata\", got %q", c.LegacyDialect)
	}
	switch c.LegacyAuth {
	case "basic", "session":
	default:
		return fmt.Errorf("LEGACY_AUTH must be \"basic\" or \"session\", got %q", c.LegacyAuth)
	}
	if c.LegacyAuth == "session" && c.LegacyDialect != "fmdata" {
		return fmt.Errorf("LEGACY_AUTH=session requires LEGACY_DIALECT=fmdata")
	}
	if c.LegacyPageSize <= 0 {
		return fmt.Errorf("LEGACY_PAGE_SIZE must be positive, got %d", c.LegacyPageSize)
	}
	if c.ProgressEvery <= 0 {
		return fmt.Errorf("PROGRESS_EVERY must be positive, got %d", c.ProgressEvery)
	}
	if _, err := time.LoadLocation(c.LegacyTimezone); err != nil {
		return fmt.Errorf("LEGACY_TIMEZONE %q: %w", c.LegacyTimezone, err)
	}
	if c.S3Enabled() && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENDPOINT is set")
	}
	if strings.ContainsAny(c.ImportSource, "/ ") || c.ImportSource == "" {
		return fmt.Errorf("IMPORT_SOURCE must be a non-empty key segment, got %q", c.ImportSource)
	}
	return nil
}
