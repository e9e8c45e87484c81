// Package config loads Shelfguard settings from a YAML file, applies
// defaults, then environment overrides (SHELFGUARD_*). A .env file in the
// working directory is loaded first when present.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/internal/keyring"
	"github.com/jmcleod/shelfguard/ratelimit"
	"github.com/jmcleod/shelfguard/session"
)

// Config is the full runtime configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Security   SecurityConfig              `yaml:"security"`
	Storage    StorageConfig               `yaml:"storage"`
	Identity   IdentityConfig              `yaml:"identity"`
	Audit      AuditConfig                 `yaml:"audit"`
	Mail       MailConfig                  `yaml:"mail"`
	Jobs       JobsConfig                  `yaml:"jobs"`
	RateLimits map[string]ratelimit.Policy `yaml:"rate_limits"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	Production bool   `yaml:"production"`
	// TrustedProxies lists CIDRs whose forwarding headers are honoured.
	// Unset means loopback and private ranges; an empty list trusts none.
	TrustedProxies []string `yaml:"trusted_proxies"`
	LogFormat      string   `yaml:"log_format"`
	LogLevel       string   `yaml:"log_level"`
}

type SecurityConfig struct {
	// Secret is the master secret, base64 or raw, at least 32 bytes.
	Secret                string        `yaml:"secret"`
	CSRFMaxAge            time.Duration `yaml:"csrf_max_age"`
	SessionTTL            time.Duration `yaml:"session_ttl"`
	SessionIdleTimeout    time.Duration `yaml:"session_idle_timeout"`
	IPBinding             string        `yaml:"ip_binding"`
	ClaimsRecheckInterval time.Duration `yaml:"claims_recheck_interval"`
	StreamPollInterval    time.Duration `yaml:"stream_poll_interval"`
	SameSite              string        `yaml:"same_site"`
	PasswordRequestTTL    time.Duration `yaml:"password_request_ttl"`
	// ConnectOrigins are extra origins the admin UI may call, added to the
	// CSP connect-src directive.
	ConnectOrigins []string `yaml:"connect_origins"`
}

type StorageConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type IdentityConfig struct {
	Provider        string          `yaml:"provider"`
	ProjectID       string          `yaml:"project_id"`
	CredentialsFile string          `yaml:"credentials_file"`
	Users           []BootstrapUser `yaml:"users"`
}

// BootstrapUser seeds the in-memory identity provider.
type BootstrapUser struct {
	UID         string   `yaml:"uid"`
	Email       string   `yaml:"email"`
	Password    string   `yaml:"password"`
	Admin       bool     `yaml:"admin"`
	SuperAdmin  bool     `yaml:"super_admin"`
	Role        string   `yaml:"role"`
	Permissions []string `yaml:"permissions"`
}

type AuditConfig struct {
	WebhookURL        string                `yaml:"webhook_url"`
	WebhookAuthHeader string                `yaml:"webhook_auth_header"`
	Alerts            audit.AlertThresholds `yaml:"alerts"`
}

type MailConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	AuthHeader string `yaml:"auth_header"`
	From       string `yaml:"from"`
}

type JobsConfig struct {
	SweepSchedule string `yaml:"sweep_schedule"`
}

const (
	DriverMemory   = "memory"
	DriverBbolt    = "bbolt"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	ProviderFirebase = "firebase"
	ProviderMemory   = "memory"
)

// Load reads path (skipped when empty), applies defaults and environment
// overrides. It does not validate.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	cfg = applyDefaults(cfg)
	cfg, err := applyEnv(cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return applyDefaults(Config{})
}

func applyDefaults(cfg Config) Config {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8443"
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "json"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Security.CSRFMaxAge == 0 {
		cfg.Security.CSRFMaxAge = 30 * time.Minute
	}
	if cfg.Security.SessionTTL == 0 {
		cfg.Security.SessionTTL = session.DefaultTTL
	}
	if cfg.Security.SessionIdleTimeout == 0 {
		cfg.Security.SessionIdleTimeout = session.DefaultIdleTimeout
	}
	if cfg.Security.IPBinding == "" {
		cfg.Security.IPBinding = string(session.BindExact)
	}
	if cfg.Security.ClaimsRecheckInterval == 0 {
		cfg.Security.ClaimsRecheckInterval = session.DefaultClaimsRecheckInterval
	}
	if cfg.Security.StreamPollInterval == 0 {
		cfg.Security.StreamPollInterval = 30 * time.Second
	}
	if cfg.Security.SameSite == "" {
		cfg.Security.SameSite = "strict"
	}
	if cfg.Security.PasswordRequestTTL == 0 {
		cfg.Security.PasswordRequestTTL = 15 * time.Minute
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverBbolt
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/shelfguard.db"
	}
	if cfg.Storage.RedisPrefix == "" {
		cfg.Storage.RedisPrefix = "shelfguard"
	}
	if cfg.Identity.Provider == "" {
		cfg.Identity.Provider = ProviderFirebase
	}
	if cfg.Mail.From == "" {
		cfg.Mail.From = "no-reply@shelfguard.local"
	}
	if cfg.Jobs.SweepSchedule == "" {
		cfg.Jobs.SweepSchedule = "@every 5m"
	}
	return cfg
}

func applyEnv(cfg Config) (Config, error) {
	str := map[string]*string{
		"SHELFGUARD_ADDR":                      &cfg.Server.Addr,
		"SHELFGUARD_TLS_CERT":                  &cfg.Server.TLSCert,
		"SHELFGUARD_TLS_KEY":                   &cfg.Server.TLSKey,
		"SHELFGUARD_LOG_FORMAT":                &cfg.Server.LogFormat,
		"SHELFGUARD_LOG_LEVEL":                 &cfg.Server.LogLevel,
		"SHELFGUARD_SECRET":                    &cfg.Security.Secret,
		"SHELFGUARD_IP_BINDING":                &cfg.Security.IPBinding,
		"SHELFGUARD_SAME_SITE":                 &cfg.Security.SameSite,
		"SHELFGUARD_STORAGE_DRIVER":            &cfg.Storage.Driver,
		"SHELFGUARD_STORAGE_PATH":              &cfg.Storage.Path,
		"SHELFGUARD_DATABASE_DSN":              &cfg.Storage.DSN,
		"SHELFGUARD_REDIS_ADDR":                &cfg.Storage.RedisAddr,
		"SHELFGUARD_REDIS_PASSWORD":            &cfg.Storage.RedisPassword,
		"SHELFGUARD_IDENTITY_PROVIDER":         &cfg.Identity.Provider,
		"SHELFGUARD_PROJECT_ID":                &cfg.Identity.ProjectID,
		"SHELFGUARD_CREDENTIALS_FILE":          &cfg.Identity.CredentialsFile,
		"SHELFGUARD_AUDIT_WEBHOOK_URL":         &cfg.Audit.WebhookURL,
		"SHELFGUARD_AUDIT_WEBHOOK_AUTH_HEADER": &cfg.Audit.WebhookAuthHeader,
		"SHELFGUARD_MAIL_WEBHOOK_URL":          &cfg.Mail.WebhookURL,
		"SHELFGUARD_MAIL_FROM":                 &cfg.Mail.From,
		"SHELFGUARD_SWEEP_SCHEDULE":            &cfg.Jobs.SweepSchedule,
	}
	for key, dst := range str {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	if val := os.Getenv("SHELFGUARD_PRODUCTION"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, fmt.Errorf("SHELFGUARD_PRODUCTION: %w", err)
		}
		cfg.Server.Production = b
	}
	if val := os.Getenv("SHELFGUARD_REDIS_DB"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("SHELFGUARD_REDIS_DB: %w", err)
		}
		cfg.Storage.RedisDB = n
	}
	if val, ok := os.LookupEnv("SHELFGUARD_TRUSTED_PROXIES"); ok {
		cfg.Server.TrustedProxies = splitList(val)
	}
	if val, ok := os.LookupEnv("SHELFGUARD_CONNECT_ORIGINS"); ok {
		cfg.Security.ConnectOrigins = splitList(val)
	}

	durations := map[string]*time.Duration{
		"SHELFGUARD_SESSION_TTL":             &cfg.Security.SessionTTL,
		"SHELFGUARD_SESSION_IDLE_TIMEOUT":    &cfg.Security.SessionIdleTimeout,
		"SHELFGUARD_CSRF_MAX_AGE":            &cfg.Security.CSRFMaxAge,
		"SHELFGUARD_CLAIMS_RECHECK_INTERVAL": &cfg.Security.ClaimsRecheckInterval,
		"SHELFGUARD_STREAM_POLL_INTERVAL":    &cfg.Security.StreamPollInterval,
		"SHELFGUARD_PASSWORD_REQUEST_TTL":    &cfg.Security.PasswordRequestTTL,
	}
	for key, dst := range durations {
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return cfg, nil
}

// checkOrigin accepts a bare http(s) origin such as https://auth.example.com.
func checkOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return err
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		return fmt.Errorf("%q is not an origin", origin)
	}
	return nil
}

// splitList splits a comma-separated list. "none" yields an empty,
// non-nil list.
func splitList(val string) []string {
	out := []string{}
	if strings.EqualFold(strings.TrimSpace(val), "none") {
		return out
	}
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SecretBytes decodes the master secret. Standard base64 is tried first;
// anything else is used as raw bytes.
func (c Config) SecretBytes() []byte {
	s := strings.TrimSpace(c.Security.Secret)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) >= keyring.MinSecretLength {
		return b
	}
	return []byte(s)
}

// Policies merges configured rate-limit overrides with the defaults.
func (c Config) Policies() (map[ratelimit.Action]ratelimit.Policy, error) {
	out := ratelimit.DefaultPolicies()
	for name, p := range c.RateLimits {
		action := ratelimit.Action(name)
		def, ok := out[action]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ratelimit.ErrUnknownAction, name)
		}
		if p.Window == 0 {
			p.Window = def.Window
		}
		if p.MaxAttempts == 0 {
			p.MaxAttempts = def.MaxAttempts
		}
		if p.Lockout == 0 {
			p.Lockout = def.Lockout
		}
		if p.MaxLockout == 0 {
			p.MaxLockout = def.MaxLockout
		}
		if p.Expiry == 0 {
			p.Expiry = def.Expiry
		}
		out[action] = p
	}
	return out, nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Security.Secret == "" {
		errs = append(errs, errors.New("security.secret is required"))
	} else if len(c.SecretBytes()) < keyring.MinSecretLength {
		errs = append(errs, fmt.Errorf("security.secret must be at least %d bytes", keyring.MinSecretLength))
	}
	if _, err := session.ParseBinding(c.Security.IPBinding); err != nil {
		errs = append(errs, fmt.Errorf("security.ip_binding: %w", err))
	}
	switch strings.ToLower(c.Security.SameSite) {
	case "strict", "lax":
	default:
		errs = append(errs, fmt.Errorf("security.same_site: unknown value %q", c.Security.SameSite))
	}
	if c.Security.SessionTTL <= 0 || c.Security.CSRFMaxAge <= 0 || c.Security.StreamPollInterval <= 0 {
		errs = append(errs, errors.New("security durations must be positive"))
	}
	for _, o := range c.Security.ConnectOrigins {
		if err := checkOrigin(o); err != nil {
			errs = append(errs, fmt.Errorf("security.connect_origins: %w", err))
		}
	}
	if _, err := session.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	switch c.Server.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("server.log_format: unknown value %q", c.Server.LogFormat))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBbolt:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for bbolt"))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown value %q", c.Storage.Driver))
	}

	switch c.Identity.Provider {
	case ProviderFirebase:
		if c.Identity.ProjectID == "" {
			errs = append(errs, errors.New("identity.project_id is required for firebase"))
		}
	case ProviderMemory:
		if c.Server.Production {
			errs = append(errs, errors.New("identity.provider memory is not allowed in production"))
		}
		for i, u := range c.Identity.Users {
			if u.UID == "" || u.Email == "" {
				errs = append(errs, fmt.Errorf("identity.users[%d]: uid and email are required", i))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("identity.provider: unknown value %q", c.Identity.Provider))
	}

	if _, err := c.Policies(); err != nil {
		errs = append(errs, fmt.Errorf("rate_limits: %w", err))
	}
	if _, err := cron.ParseStandard(c.Jobs.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("jobs.sweep_schedule: %w", err))
	}
	return errors.Join(errs...)
}
