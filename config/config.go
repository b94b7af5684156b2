// Package config loads settings for the jsonrpc-ws binary. Sources, lowest precedence
// first: built-in defaults, .env files, the process environment (JSONRPCWS_*), and finally
// command-line flags bound by the caller.
package config

import (
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "JSONRPCWS_"

type Config struct {
	// Server
	Host           string
	Port           int
	Path           string
	MetricsPath    string
	RateLimit      float64 // requests per second; 0 disables
	RateBurst      int
	RequestTimeout time.Duration // 0 disables

	// Client
	Endpoints         []string
	ReconnectInterval time.Duration
	MaxBackoff        time.Duration
	MaxRetries        int
	CallTimeout       time.Duration
	MaxPending        int

	// Discovery
	EtcdEndpoints []string
	Service       string
	AdvertiseURL  string
	LeaseTTL      int64

	// Logging
	LogLevel       string
	LogDevelopment bool
}

func Default() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8080,
		Path:              "/rpc",
		MetricsPath:       "/metrics",
		RateBurst:         100,
		ReconnectInterval: time.Second,
		MaxBackoff:        30 * time.Second,
		CallTimeout:       30 * time.Second,
		MaxPending:        1024,
		Service:           "jsonrpc-ws",
		LeaseTTL:          10,
		LogLevel:          "info",
	}
}

// Load returns the defaults overlaid with files (".env" when none are given) and then with
// the environment. Missing files are skipped. Within files, the first definition wins.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	fileVars := make(map[string]string)
	for _, file := range files {
		vars, err := godotenv.Read(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, errors.Annotatef(err, "reading %s", file)
		}
		for k, v := range vars {
			if _, ok := fileVars[k]; !ok {
				fileVars[k] = v
			}
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}

	cfg := Default()
	if err := cfg.Apply(lookup); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Apply overrides fields from lookup, keyed by EnvPrefix plus the upper snake case name.
func (c *Config) Apply(lookup func(key string) (string, bool)) error {
	e := &envReader{lookup: lookup}
	e.strVar("HOST", &c.Host)
	e.intVar("PORT", &c.Port)
	e.strVar("PATH", &c.Path)
	e.strVar("METRICS_PATH", &c.MetricsPath)
	e.floatVar("RATE_LIMIT", &c.RateLimit)
	e.intVar("RATE_BURST", &c.RateBurst)
	e.durationVar("REQUEST_TIMEOUT", &c.RequestTimeout)

	e.listVar("ENDPOINTS", &c.Endpoints)
	e.durationVar("RECONNECT_INTERVAL", &c.ReconnectInterval)
	e.durationVar("MAX_BACKOFF", &c.MaxBackoff)
	e.intVar("MAX_RETRIES", &c.MaxRetries)
	e.durationVar("CALL_TIMEOUT", &c.CallTimeout)
	e.intVar("MAX_PENDING", &c.MaxPending)

	e.listVar("ETCD_ENDPOINTS", &c.EtcdEndpoints)
	e.strVar("SERVICE", &c.Service)
	e.strVar("ADVERTISE_URL", &c.AdvertiseURL)
	e.int64Var("LEASE_TTL", &c.LeaseTTL)

	e.strVar("LOG_LEVEL", &c.LogLevel)
	e.boolVar("LOG_DEVELOPMENT", &c.LogDevelopment)
	return e.err
}

func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return errors.NotValidf("port %d", c.Port)
	case !strings.HasPrefix(c.Path, "/"):
		return errors.NotValidf("path %q", c.Path)
	case c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/"):
		return errors.NotValidf("metrics path %q", c.MetricsPath)
	case c.MaxRetries < 0:
		return errors.NotValidf("negative max retries %d", c.MaxRetries)
	case c.ReconnectInterval < 0 || c.MaxBackoff < 0 || c.CallTimeout < 0 || c.RequestTimeout < 0:
		return errors.NotValidf("negative duration")
	case c.RateLimit < 0:
		return errors.NotValidf("negative rate limit")
	case c.LeaseTTL <= 0:
		return errors.NotValidf("lease ttl %d", c.LeaseTTL)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.NotValidf("log level %q", c.LogLevel)
	}
	return nil
}

// Logger builds the process logger: JSON production output, or console output in
// development mode.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Annotatef(err, "log level")
	}
	zc := zap.NewProductionConfig()
	if c.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// envReader stops at the first malformed value.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(EnvPrefix + name)
	return strings.TrimSpace(v), ok
}

func (e *envReader) fail(name, v string, err error) {
	e.err = errors.Annotatef(err, "%s%s=%q", EnvPrefix, name, v)
}

func (e *envReader) strVar(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) listVar(name string, dst *[]string) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) intVar(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64Var(name string, dst *int64) {
	if v, ok := e.get(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) floatVar(name string, dst *float64) {
	if v, ok := e.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolVar(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) durationVar(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}
