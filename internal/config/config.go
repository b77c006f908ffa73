package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rezonia/peppol-exchange/internal/model"
)

// EnvPrefix is prepended to every environment override, e.g. PEPPOL_ACTIVE_PROVIDER
const EnvPrefix = "PEPPOL"

// Environments
const (
	EnvironmentSandbox = "sandbox"
	EnvironmentLive    = "live"
)

var schemeCode = regexp.MustCompile(`^\d{4}$`)

// Config holds all application configuration
type Config struct {
	LogLevel                      string                                   `mapstructure:"log_level"`
	ActiveProvider                model.ProviderID                         `mapstructure:"active_provider"`
	Environment                   string                                   `mapstructure:"environment"`
	AutoSendEnabled               bool                                     `mapstructure:"auto_send_enabled"`
	AutoProcessReceived           bool                                     `mapstructure:"auto_process_received"`
	Company                       CompanyConfig                            `mapstructure:"company"`
	Providers                     map[model.ProviderID]ProviderCredentials `mapstructure:"providers"`
	RetryBudget                   int                                      `mapstructure:"retry_budget"`
	NotificationLookupWindowHours int                                      `mapstructure:"notification_lookup_window_hours"`
	SendingTimeout                time.Duration                            `mapstructure:"sending_timeout"`
	SendTimeout                   time.Duration                            `mapstructure:"send_timeout"`
	LogRetentionDays              int                                      `mapstructure:"log_retention_days"`
	Database                      DatabaseConfig                           `mapstructure:"database"`
	Redis                         RedisConfig                              `mapstructure:"redis"`
	Kafka                         KafkaConfig                              `mapstructure:"kafka"`
	HTTP                          HTTPConfig                               `mapstructure:"http"`
	InvoiceSource                 EndpointConfig                           `mapstructure:"invoice_source"`
	Reconciler                    EndpointConfig                           `mapstructure:"reconciler"`
	LLM                           LLMConfig                                `mapstructure:"llm"`
}

// CompanyConfig is the sending company's PEPPOL profile
type CompanyConfig struct {
	Name             string `mapstructure:"name"`
	VATNumber        string `mapstructure:"vat_number"`
	Street           string `mapstructure:"street"`
	City             string `mapstructure:"city"`
	PostalCode       string `mapstructure:"postal_code"`
	CountryCode      string `mapstructure:"country_code"`
	PeppolIdentifier string `mapstructure:"peppol_identifier"`
	PeppolScheme     string `mapstructure:"peppol_scheme"`
	Email            string `mapstructure:"email"`
}

// Party converts the profile to the model used by the UBL codec
func (c CompanyConfig) Party() model.Party {
	return model.Party{
		Name:             c.Name,
		VATNumber:        c.VATNumber,
		Street:           c.Street,
		City:             c.City,
		PostalCode:       c.PostalCode,
		CountryCode:      c.CountryCode,
		PeppolScheme:     c.PeppolScheme,
		PeppolIdentifier: c.PeppolIdentifier,
		Email:            c.Email,
	}
}

// ProviderCredentials holds the opaque per-provider secrets. Which fields
// matter depends on the provider's authentication scheme.
type ProviderCredentials struct {
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	APIToken      string `mapstructure:"api_token"`
	CompanyID     string `mapstructure:"company_id"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	BaseURL       string `mapstructure:"base_url"`
}

// DatabaseConfig selects the persistence backend
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres, sqlite or memory
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig enables distributed locks when URL is set
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// KafkaConfig enables status change events when Brokers is set
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// HTTPConfig holds server configuration
type HTTPConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Debug        bool          `mapstructure:"debug"`
	APIKey       string        `mapstructure:"api_key"`
}

// EndpointConfig points at a CRM HTTP collaborator
type EndpointConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LLMConfig configures the optional expense categorizer
type LLMConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// LookupWindow returns the notification lookup window as a duration
func (c *Config) LookupWindow() time.Duration {
	return time.Duration(c.NotificationLookupWindowHours) * time.Hour
}

// LogRetention returns the exchange log retention period
func (c *Config) LogRetention() time.Duration {
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}

// Credentials returns the credentials configured for a provider
func (c *Config) Credentials(id model.ProviderID) ProviderCredentials {
	return c.Providers[id]
}

// IsLive reports whether the live endpoints should be used
func (c *Config) IsLive() bool {
	return c.Environment == EnvironmentLive
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.ActiveProvider {
	case model.ProviderAdemico, model.ProviderUnit4, model.ProviderRecommand:
	default:
		return model.NewValidationError("active_provider", string(c.ActiveProvider), "oneof", "unknown provider")
	}
	switch c.Environment {
	case EnvironmentSandbox, EnvironmentLive:
	default:
		return model.NewValidationError("environment", c.Environment, "oneof", "must be sandbox or live")
	}
	if c.Company.PeppolScheme != "" && !schemeCode.MatchString(c.Company.PeppolScheme) {
		return model.NewValidationError("company.peppol_scheme", c.Company.PeppolScheme, "pattern", "must be a 4-digit scheme code")
	}
	if c.RetryBudget < 1 {
		return model.NewValidationError("retry_budget", c.RetryBudget, "min", "must be at least 1")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return model.NewValidationError("database.driver", c.Database.Driver, "oneof", "must be postgres, sqlite or memory")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("active_provider", string(model.ProviderAdemico))
	v.SetDefault("environment", EnvironmentSandbox)
	v.SetDefault("auto_send_enabled", false)
	v.SetDefault("auto_process_received", false)
	v.SetDefault("retry_budget", 3)
	v.SetDefault("notification_lookup_window_hours", 72)
	v.SetDefault("sending_timeout", "15m")
	v.SetDefault("send_timeout", "60s")
	v.SetDefault("log_retention_days", 180)

	for _, key := range []string{"name", "vat_number", "street", "city", "postal_code", "country_code", "peppol_identifier", "peppol_scheme", "email"} {
		v.SetDefault("company."+key, "")
	}
	// Registering every credential key lets PEPPOL_PROVIDERS_<ID>_<FIELD> override it.
	for _, id := range []model.ProviderID{model.ProviderAdemico, model.ProviderUnit4, model.ProviderRecommand} {
		for _, key := range []string{"client_id", "client_secret", "username", "password", "api_token", "company_id", "webhook_secret", "base_url"} {
			v.SetDefault(fmt.Sprintf("providers.%s.%s", id, key), "")
		}
	}

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:peppol.db?_busy_timeout=5000")
	v.SetDefault("redis.url", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "peppol.document-status")
	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "60s")
	v.SetDefault("http.debug", false)
	v.SetDefault("http.api_key", "")
	v.SetDefault("invoice_source.base_url", "")
	v.SetDefault("invoice_source.api_key", "")
	v.SetDefault("invoice_source.timeout", "30s")
	v.SetDefault("reconciler.base_url", "")
	v.SetDefault("reconciler.api_key", "")
	v.SetDefault("reconciler.timeout", "30s")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "")
}

// Load reads configuration from an optional YAML file, a .env file and
// PEPPOL_* environment variables, in increasing order of precedence.
// An empty path searches for peppol.yaml in . and ./configs.
func Load(path string) (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("peppol")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Environment = strings.ToLower(cfg.Environment)
	cfg.ActiveProvider = model.ProviderID(strings.ToLower(string(cfg.ActiveProvider)))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
