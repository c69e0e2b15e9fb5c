package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HostConfig is one openEHR server, read from OPENEHR_<NAME>_* variables.
type HostConfig struct {
	Name      string
	URL       string
	Username  string
	Password  string
	Versioned bool
}

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	OpenEHRHostNames       []string      `mapstructure:"-"`
	OpenEHRTimeout         time.Duration `mapstructure:"OPENEHR_TIMEOUT"`
	SessionTimeout         time.Duration `mapstructure:"OPENEHR_SESSION_TIMEOUT"`
	SessionPolicy          string        `mapstructure:"OPENEHR_SESSION_POLICY"`
	OpenEHRRateLimitRPS    float64       `mapstructure:"OPENEHR_RATE_LIMIT_RPS"`
	OpenEHRRateLimitBurst  int           `mapstructure:"OPENEHR_RATE_LIMIT_BURST"`
	OpenEHRBreakerFailures uint32        `mapstructure:"OPENEHR_BREAKER_FAILURES"`
	OpenEHRBreakerTimeout  time.Duration `mapstructure:"OPENEHR_BREAKER_TIMEOUT"`
	Hosts                  []HostConfig  `mapstructure:"-"`

	DiscoveryURL      string        `mapstructure:"DISCOVERY_URL"`
	DiscoveryHost     string        `mapstructure:"DISCOVERY_HOST"`
	DiscoveryTimeout  time.Duration `mapstructure:"DISCOVERY_TIMEOUT"`
	DiscoveryHeadings []string      `mapstructure:"-"`

	JWTSecret      string   `mapstructure:"JWT_SECRET"`
	JWTIssuer      string   `mapstructure:"JWT_ISSUER"`
	CORSOrigins    []string `mapstructure:"-"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"OPENEHR_HOSTS", "OPENEHR_TIMEOUT", "OPENEHR_SESSION_TIMEOUT", "OPENEHR_SESSION_POLICY",
	"OPENEHR_RATE_LIMIT_RPS", "OPENEHR_RATE_LIMIT_BURST", "OPENEHR_BREAKER_FAILURES", "OPENEHR_BREAKER_TIMEOUT",
	"DISCOVERY_URL", "DISCOVERY_HOST", "DISCOVERY_TIMEOUT", "DISCOVERY_HEADINGS",
	"JWT_SECRET", "JWT_ISSUER", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("OPENEHR_HOSTS", "ethercis")
	v.SetDefault("OPENEHR_TIMEOUT", "30s")
	v.SetDefault("OPENEHR_SESSION_TIMEOUT", "1h")
	v.SetDefault("OPENEHR_SESSION_POLICY", "created")
	v.SetDefault("OPENEHR_RATE_LIMIT_RPS", 10)
	v.SetDefault("OPENEHR_RATE_LIMIT_BURST", 5)
	v.SetDefault("OPENEHR_BREAKER_FAILURES", 5)
	v.SetDefault("OPENEHR_BREAKER_TIMEOUT", "30s")
	v.SetDefault("OPENEHR_ETHERCIS_URL", "http://localhost:8080")
	v.SetDefault("OPENEHR_ETHERCIS_USERNAME", "guest")
	v.SetDefault("OPENEHR_ETHERCIS_PASSWORD", "guest")
	v.SetDefault("DISCOVERY_URL", "http://localhost:8090")
	v.SetDefault("DISCOVERY_TIMEOUT", "30s")
	v.SetDefault("DISCOVERY_HEADINGS", "Immunization,Procedure,AllergyIntolerance,MedicationStatement,Condition")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.OpenEHRHostNames = splitList(v.GetString("OPENEHR_HOSTS"))
	cfg.DiscoveryHeadings = splitList(v.GetString("DISCOVERY_HEADINGS"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	if cfg.DiscoveryHost == "" && len(cfg.OpenEHRHostNames) > 0 {
		cfg.DiscoveryHost = cfg.OpenEHRHostNames[0]
	}

	for _, name := range cfg.OpenEHRHostNames {
		prefix := "OPENEHR_" + strings.ToUpper(name) + "_"
		for _, suffix := range []string{"URL", "USERNAME", "PASSWORD", "VERSIONED"} {
			v.BindEnv(prefix + suffix)
		}
		cfg.Hosts = append(cfg.Hosts, HostConfig{
			Name:      name,
			URL:       v.GetString(prefix + "URL"),
			Username:  v.GetString(prefix + "USERNAME"),
			Password:  v.GetString(prefix + "PASSWORD"),
			Versioned: v.GetBool(prefix + "VERSIONED"),
		})
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside
// development JWT_SECRET must be set so bearer tokens are verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("OPENEHR_HOSTS must name at least one host")
	}
	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if strings.Contains(h.Name, "-") {
			return fmt.Errorf("openEHR host name %q must not contain '-'", h.Name)
		}
		if seen[h.Name] {
			return fmt.Errorf("openEHR host %q is listed twice", h.Name)
		}
		seen[h.Name] = true
		if h.URL == "" {
			return fmt.Errorf("OPENEHR_%s_URL is required", strings.ToUpper(h.Name))
		}
	}
	if c.DiscoveryHost != "" && !seen[c.DiscoveryHost] {
		return fmt.Errorf("DISCOVERY_HOST %q is not one of OPENEHR_HOSTS", c.DiscoveryHost)
	}
	switch c.SessionPolicy {
	case "created", "last_used":
	default:
		return fmt.Errorf("OPENEHR_SESSION_POLICY must be \"created\" or \"last_used\", got %q", c.SessionPolicy)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("OPENEHR_SESSION_TIMEOUT must be positive")
	}
	return nil
}
