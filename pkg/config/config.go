// Package config loads client settings from a YAML file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/WhileEndless/go-parallelhttp/pkg/client"
	"github.com/WhileEndless/go-parallelhttp/pkg/constants"
	"github.com/WhileEndless/go-parallelhttp/pkg/errors"
	"github.com/WhileEndless/go-parallelhttp/pkg/tlsconfig"
)

// Config mirrors client.Options plus settings applied after construction.
type Config struct {
	Timeout            time.Duration `yaml:"timeout"`
	MaxBurst           int           `yaml:"max_burst"`
	ConnTimeout        time.Duration `yaml:"conn_timeout"`
	DNSTimeout         time.Duration `yaml:"dns_timeout"`
	DNSCacheTTL        time.Duration `yaml:"dns_cache_ttl"`
	MaxDialConcurrency int64         `yaml:"max_dial_concurrency"`
	InsecureTLS        bool          `yaml:"insecure_tls"`
	TLSProfile         string        `yaml:"tls_profile"`
	BodyMemLimit       int64         `yaml:"body_mem_limit"`
	Proxy              string        `yaml:"proxy"`
	CookieFile         string        `yaml:"cookie_file"`
	UserAgent          string        `yaml:"user_agent"`
	MaxRedirect        int           `yaml:"max_redirect"`

	// Headers are added to the client's default headers.
	Headers map[string]string `yaml:"headers"`

	// LogLevel is a logrus level name, "warning" when empty.
	LogLevel string `yaml:"log_level"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	o := client.DefaultOptions()
	return &Config{
		MaxBurst:           o.MaxBurst,
		ConnTimeout:        o.ConnTimeout,
		DNSTimeout:         o.DNSTimeout,
		DNSCacheTTL:        o.DNSCacheTTL,
		MaxDialConcurrency: o.MaxDialConcurrency,
		TLSProfile:         tlsconfig.ProfileSecure.Name,
		BodyMemLimit:       o.BodyMemLimit,
		MaxRedirect:        constants.DefaultMaxRedirect,
		Headers:            map[string]string{},
		LogLevel:           logrus.WarnLevel.String(),
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.NewValidationError("parsing " + path + ": " + err.Error())
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if c.MaxBurst < 0 {
		return errors.NewValidationError("max_burst cannot be negative")
	}
	if c.MaxRedirect < 0 {
		return errors.NewValidationError("max_redirect cannot be negative")
	}
	if c.Timeout < 0 || c.ConnTimeout < 0 || c.DNSTimeout < 0 {
		return errors.NewValidationError("timeouts cannot be negative")
	}
	if _, err := tlsconfig.ProfileByName(c.TLSProfile); err != nil {
		return errors.NewValidationError(err.Error())
	}
	if _, err := c.level(); err != nil {
		return errors.NewValidationError("log_level: " + err.Error())
	}
	if c.Proxy != "" {
		if _, err := client.ParseProxyURL(c.Proxy); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) level() (logrus.Level, error) {
	if strings.TrimSpace(c.LogLevel) == "" {
		return logrus.WarnLevel, nil
	}
	return logrus.ParseLevel(c.LogLevel)
}

// Logger builds a stderr logger at the configured level.
func (c *Config) Logger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if lvl, err := c.level(); err == nil {
		l.SetLevel(lvl)
	}
	return logrus.NewEntry(l)
}

// Options converts the file settings into client options. log may be nil.
func (c *Config) Options(log *logrus.Entry) client.Options {
	return client.Options{
		Timeout:            c.Timeout,
		MaxBurst:           c.MaxBurst,
		ConnTimeout:        c.ConnTimeout,
		DNSTimeout:         c.DNSTimeout,
		DNSCacheTTL:        c.DNSCacheTTL,
		MaxDialConcurrency: c.MaxDialConcurrency,
		InsecureTLS:        c.InsecureTLS,
		TLSProfile:         c.TLSProfile,
		BodyMemLimit:       c.BodyMemLimit,
		ProxyURL:           c.Proxy,
		CookieFile:         c.CookieFile,
		UserAgent:          c.UserAgent,
		Logger:             log,
	}
}

// NewClient builds a client and applies the extra headers.
func (c *Config) NewClient(log *logrus.Entry) *client.Client {
	cli := client.New(c.Options(log))
	for name, value := range c.Headers {
		cli.SetHeader(name, value)
	}
	return cli
}

// NewRequest creates a request carrying the configured redirect budget.
func (c *Config) NewRequest(rawURL, method string) *client.Request {
	req := client.NewRequest(rawURL, method)
	req.SetMaxRedirect(c.MaxRedirect)
	return req
}
