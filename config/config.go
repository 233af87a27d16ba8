// Package config loads the daemon configuration from a YAML file and
// IRONCA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/jmcleod/ironca/ca"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/custody/authority"
	"github.com/jmcleod/ironca/internal/logging"
	"github.com/jmcleod/ironca/pki"
)

// EnvPrefix prefixes environment overrides: custody.address is read from
// IRONCA_CUSTODY_ADDRESS.
const EnvPrefix = "IRONCA"

type Config struct {
	Custody      CustodyConfig   `yaml:"custody" json:"custody" mapstructure:"custody"`
	Storage      StorageConfig   `yaml:"storage" json:"storage" mapstructure:"storage"`
	Issuance     IssuanceConfig  `yaml:"issuance" json:"issuance" mapstructure:"issuance"`
	Authority    AuthorityConfig `yaml:"authority" json:"authority" mapstructure:"authority"`
	CRLPublisher PublisherConfig `yaml:"crl-publisher" json:"crl_publisher" mapstructure:"crl-publisher"`
	Logging      LoggingConfig   `yaml:"logging" json:"logging" mapstructure:"logging"`
}

// CustodyConfig locates the custody authority.
type CustodyConfig struct {
	Address string        `yaml:"address" json:"address" mapstructure:"address"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	// RateLimit is requests per second; zero disables limiting.
	RateLimit     float64 `yaml:"rate-limit" json:"rate_limit" mapstructure:"rate-limit"`
	Burst         int     `yaml:"burst" json:"burst" mapstructure:"burst"`
	SigningPolicy string  `yaml:"signing-policy" json:"signing_policy" mapstructure:"signing-policy"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver" mapstructure:"driver"`
	Path   string `yaml:"path" json:"path" mapstructure:"path"`
}

type IssuanceConfig struct {
	CertificateValidityDays int           `yaml:"certificate-validity-days" json:"certificate_validity_days" mapstructure:"certificate-validity-days"`
	CAValidityYears         int           `yaml:"ca-validity-years" json:"ca_validity_years" mapstructure:"ca-validity-years"`
	CRLValidity             time.Duration `yaml:"crl-validity" json:"crl_validity" mapstructure:"crl-validity"`
	KeyAlgorithm            string        `yaml:"key-algorithm" json:"key_algorithm" mapstructure:"key-algorithm"`
}

// AuthorityConfig configures the reference custody authority daemon.
type AuthorityConfig struct {
	Listen      string       `yaml:"listen" json:"listen" mapstructure:"listen"`
	Backend     string       `yaml:"backend" json:"backend" mapstructure:"backend"`
	AllowExport bool         `yaml:"allow-export" json:"allow_export" mapstructure:"allow-export"`
	PKCS11      PKCS11Config `yaml:"pkcs11" json:"pkcs11" mapstructure:"pkcs11"`
}

type PKCS11Config struct {
	Module     string `yaml:"module" json:"module" mapstructure:"module"`
	TokenLabel string `yaml:"token-label" json:"token_label" mapstructure:"token-label"`
	PIN        string `yaml:"pin" json:"-" mapstructure:"pin"`
	// Slot selects a slot by number; negative selects by TokenLabel.
	Slot int `yaml:"slot" json:"slot" mapstructure:"slot"`
}

// PublisherConfig drives the scheduled CRL publisher.
type PublisherConfig struct {
	// CAIDs lists the CAs to publish for; empty means every active CA.
	CAIDs         []string      `yaml:"ca-ids" json:"ca_ids" mapstructure:"ca-ids"`
	Interval      time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
	RetryAttempts uint          `yaml:"retry-attempts" json:"retry_attempts" mapstructure:"retry-attempts"`
	RetryDelay    time.Duration `yaml:"retry-delay" json:"retry_delay" mapstructure:"retry-delay"`
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level" mapstructure:"level"`
	File  string `yaml:"file" json:"file" mapstructure:"file"`
}

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverBolt   = "bbolt"
)

// Authority key store backends.
const (
	BackendSoftware = "software"
	BackendPKCS11   = "pkcs11"
)

// Default returns the configuration used for unset keys.
func Default() Config {
	return Config{
		Custody: CustodyConfig{
			Address:       "127.0.0.1:5696",
			Timeout:       custody.DefaultTimeout,
			Burst:         1,
			SigningPolicy: ca.SigningRemote.String(),
		},
		Storage: StorageConfig{Driver: DriverBolt, Path: "./data/ironca.db"},
		Issuance: IssuanceConfig{
			CertificateValidityDays: ca.DefaultCertificateValidityDays,
			CAValidityYears:         ca.DefaultCAValidityYears,
			CRLValidity:             pki.DefaultCRLValidity,
			KeyAlgorithm:            pki.ECDSAP256.String(),
		},
		Authority: AuthorityConfig{
			Listen:  "127.0.0.1:5696",
			Backend: BackendSoftware,
			PKCS11:  PKCS11Config{Slot: -1},
		},
		CRLPublisher: PublisherConfig{
			Interval:      time.Hour,
			RetryAttempts: 5,
			RetryDelay:    2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the configuration. An empty path searches ./ironca.yaml,
// /etc/ironca and $HOME/.ironca and tolerates a missing file; an explicit
// path must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ironca")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ironca")
		v.AddConfigPath("$HOME/.ironca")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so that environment overrides apply
// during Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	for key, value := range map[string]any{
		"custody.address":                    d.Custody.Address,
		"custody.timeout":                    d.Custody.Timeout,
		"custody.rate-limit":                 d.Custody.RateLimit,
		"custody.burst":                      d.Custody.Burst,
		"custody.signing-policy":             d.Custody.SigningPolicy,
		"storage.driver":                     d.Storage.Driver,
		"storage.path":                       d.Storage.Path,
		"issuance.certificate-validity-days": d.Issuance.CertificateValidityDays,
		"issuance.ca-validity-years":         d.Issuance.CAValidityYears,
		"issuance.crl-validity":              d.Issuance.CRLValidity,
		"issuance.key-algorithm":             d.Issuance.KeyAlgorithm,
		"authority.listen":                   d.Authority.Listen,
		"authority.backend":                  d.Authority.Backend,
		"authority.allow-export":             d.Authority.AllowExport,
		"authority.pkcs11.module":            d.Authority.PKCS11.Module,
		"authority.pkcs11.token-label":       d.Authority.PKCS11.TokenLabel,
		"authority.pkcs11.pin":               d.Authority.PKCS11.PIN,
		"authority.pkcs11.slot":              d.Authority.PKCS11.Slot,
		"crl-publisher.ca-ids":               d.CRLPublisher.CAIDs,
		"crl-publisher.interval":             d.CRLPublisher.Interval,
		"crl-publisher.retry-attempts":       d.CRLPublisher.RetryAttempts,
		"crl-publisher.retry-delay":          d.CRLPublisher.RetryDelay,
		"logging.level":                      d.Logging.Level,
		"logging.file":                       d.Logging.File,
	} {
		v.SetDefault(key, value)
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate implements validation.Validatable.
func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c,
		validation.Field(&c.Custody),
		validation.Field(&c.Storage),
		validation.Field(&c.Issuance),
		validation.Field(&c.Authority),
		validation.Field(&c.CRLPublisher),
		validation.Field(&c.Logging),
	); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func parsed[T any](parse func(string) (T, error)) validation.Rule {
	return validation.By(func(v any) error {
		s, _ := v.(string)
		_, err := parse(s)
		return err
	})
}

func (c CustodyConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.Required),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.RateLimit, validation.Min(0.0)),
		validation.Field(&c.Burst, validation.Required.When(c.RateLimit > 0), validation.Min(0)),
		validation.Field(&c.SigningPolicy, parsed(ca.ParseSigningPolicy)),
	)
}

func (c StorageConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverMemory, DriverBolt)),
		validation.Field(&c.Path, validation.Required.When(c.Driver == DriverBolt)),
	)
}

func (c IssuanceConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.CertificateValidityDays, validation.Required, validation.Min(1)),
		validation.Field(&c.CAValidityYears, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.CRLValidity, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.KeyAlgorithm, validation.Required, parsed(pki.ParseKeyAlgorithm)),
	)
}

func (c AuthorityConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendSoftware, BackendPKCS11)),
		validation.Field(&c.PKCS11, validation.Skip.When(c.Backend != BackendPKCS11)),
	)
}

func (c PKCS11Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Module, validation.Required),
		validation.Field(&c.TokenLabel, validation.Required.When(c.Slot < 0).Error("token label or slot is required")),
	)
}

func (c PublisherConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.RetryDelay, validation.Min(time.Duration(0))),
	)
}

func (c LoggingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, parsed(logging.ParseLevel)),
	)
}

// ---------------------------------------------------------------------------
// Bridges to the library option types
// ---------------------------------------------------------------------------

// ServiceOptions converts the issuance and custody settings into
// ca.Service options.
func (c *Config) ServiceOptions(logger *slog.Logger) ([]ca.Option, error) {
	alg, err := pki.ParseKeyAlgorithm(c.Issuance.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	policy, err := ca.ParseSigningPolicy(c.Custody.SigningPolicy)
	if err != nil {
		return nil, err
	}
	return []ca.Option{
		ca.WithLogger(logger),
		ca.WithDefaultKeyAlgorithm(alg),
		ca.WithSigningPolicy(policy),
		ca.WithCertificateValidity(c.Issuance.CertificateValidityDays),
		ca.WithCAValidity(c.Issuance.CAValidityYears),
		ca.WithCRLValidity(c.Issuance.CRLValidity),
	}, nil
}

// Transport returns a TCP transport to the configured authority.
func (c *Config) Transport() *custody.TCPTransport {
	return &custody.TCPTransport{Address: c.Custody.Address, Timeout: c.Custody.Timeout}
}

// ClientOptions returns the custody client options.
func (c *Config) ClientOptions(logger *slog.Logger) []custody.ClientOption {
	opts := []custody.ClientOption{custody.WithLogger(logger)}
	if c.Custody.RateLimit > 0 {
		opts = append(opts, custody.WithRateLimit(rate.Limit(c.Custody.RateLimit), c.Custody.Burst))
	}
	return opts
}

// PKCS11 converts the token settings for the authority key store.
func (c *Config) PKCS11() authority.PKCS11Config {
	p := c.Authority.PKCS11
	cfg := authority.PKCS11Config{ModulePath: p.Module, TokenLabel: p.TokenLabel, PIN: p.PIN}
	if p.Slot >= 0 {
		slot := p.Slot
		cfg.SlotNumber = &slot
	}
	return cfg
}

// LogLevel returns the parsed logging level.
func (c *Config) LogLevel() slog.Level {
	l, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}
