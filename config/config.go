// Package config loads transaction layer settings from files and environment.
//
// Every key can be overridden with an environment variable prefixed with SIPTX_,
// e.g. SIPTX_TIMINGS_T1=250ms or SIPTX_LOG_LEVEL=debug.
package config

//go:generate go tool errtrace -w .

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/spf13/viper"

	"github.com/ghettovoice/siptx/dns"
	"github.com/ghettovoice/siptx/log"
	"github.com/ghettovoice/siptx/sip"
)

// EnvPrefix is the prefix of environment variables read by [Load] and [FromViper].
const EnvPrefix = "SIPTX"

// Config is the root of the settings tree.
type Config struct {
	Timings TimingsConfig `mapstructure:"timings"`
	Log     LogConfig     `mapstructure:"log"`
	Manager ManagerConfig `mapstructure:"manager"`
	DNS     DNSConfig     `mapstructure:"dns"`
}

// TimingsConfig holds SIP timer base values. Zero values mean RFC 3261 defaults.
type TimingsConfig struct {
	T1                 time.Duration `mapstructure:"t1"`
	T2                 time.Duration `mapstructure:"t2"`
	T4                 time.Duration `mapstructure:"t4"`
	TimeD              time.Duration `mapstructure:"time_d"`
	Time100            time.Duration `mapstructure:"time_100"`
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
	StaleTimeout       time.Duration `mapstructure:"stale_timeout"`
}

// LogConfig selects the logger output.
type LogConfig struct {
	// Format is one of console, dev, json, text or noop.
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// ManagerConfig holds transaction manager options.
type ManagerConfig struct {
	EventBufferSize  int  `mapstructure:"event_buffer_size"`
	Disable100Trying bool `mapstructure:"disable_100_trying"`
}

// DNSConfig configures destination resolution.
type DNSConfig struct {
	// NameServer is "host:port" of the server to query, empty means the system resolver.
	NameServer string        `mapstructure:"nameserver"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

var defaults = map[string]any{
	"timings.t1":                  sip.T1,
	"timings.t2":                  sip.T2,
	"timings.t4":                  sip.T4,
	"timings.time_d":              sip.TimeD,
	"timings.time_100":            sip.Time100,
	"timings.transaction_timeout": time.Duration(0),
	"timings.stale_timeout":       sip.TimeStale,
	"log.format":                  string(log.FormatConsole),
	"log.level":                   "info",
	"manager.event_buffer_size":   64,
	"manager.disable_100_trying":  false,
	"dns.nameserver":              "",
	"dns.timeout":                 5 * time.Second,
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path. The format is taken from the file extension.
// Empty path means defaults and environment only.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		ext := filepath.Ext(path)
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		if err := v.ReadInConfig(); err != nil {
			return nil, errtrace.Wrap(fmt.Errorf("read config file %s: %w", path, err))
		}
	}
	return errtrace.Wrap2(FromViper(v))
}

// FromViper decodes and validates the config held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("decode config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	t := c.Timings
	for name, d := range map[string]time.Duration{
		"t1":                  t.T1,
		"t2":                  t.T2,
		"t4":                  t.T4,
		"time_d":              t.TimeD,
		"time_100":            t.Time100,
		"transaction_timeout": t.TransactionTimeout,
		"stale_timeout":       t.StaleTimeout,
		"dns.timeout":         c.DNS.Timeout,
	} {
		if d < 0 {
			return errtrace.Wrap(sip.NewInvalidArgumentError("negative %s %v", name, d))
		}
	}
	if t.T1 > 0 && t.T2 > 0 && t.T2 < t.T1 {
		return errtrace.Wrap(sip.NewInvalidArgumentError("t2 %v is less than t1 %v", t.T2, t.T1))
	}
	if c.Manager.EventBufferSize < 0 {
		return errtrace.Wrap(sip.NewInvalidArgumentError("negative event buffer size %d", c.Manager.EventBufferSize))
	}
	switch log.Format(strings.ToLower(c.Log.Format)) {
	case "", log.FormatConsole, log.FormatDev, log.FormatJSON, log.FormatText, log.FormatNoop:
	default:
		return errtrace.Wrap(sip.NewInvalidArgumentError("unknown log format %q", c.Log.Format))
	}
	if c.Log.Level != "" {
		if _, err := log.ParseLevel(c.Log.Level); err != nil {
			return errtrace.Wrap(sip.NewInvalidArgumentError(err))
		}
	}
	return nil
}

// SIPTimings converts the timings section to [sip.TimingConfig].
func (c *Config) SIPTimings() sip.TimingConfig {
	t := c.Timings
	return sip.NewTimings(t.T1, t.T2, t.T4, t.TimeD, t.Time100).
		WithTransactionTimeout(t.TransactionTimeout).
		WithStaleTimeout(t.StaleTimeout)
}

// Logger creates the logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	if c.Log.Level != "" {
		lvl, _ = log.ParseLevel(c.Log.Level)
	}
	return log.New(w, log.Format(c.Log.Format), lvl)
}

// Resolver creates the DNS resolver.
func (c *Config) Resolver() *dns.Resolver {
	return &dns.Resolver{
		NameServer: c.DNS.NameServer,
		Timeout:    c.DNS.Timeout,
	}
}

// ManagerOptions builds [sip.ManagerOptions] with the logger writing to w.
func (c *Config) ManagerOptions(w io.Writer) *sip.ManagerOptions {
	return &sip.ManagerOptions{
		Timings:          c.SIPTimings(),
		Log:              c.Logger(w),
		DNSResolver:      c.Resolver(),
		EventBufferSize:  c.Manager.EventBufferSize,
		Disable100Trying: c.Manager.Disable100Trying,
	}
}
