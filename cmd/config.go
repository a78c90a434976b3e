package cmd

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy/backend"
)

// envPrefix prefixes every environment override, e.g. RECSYS_PROXY_CACHE_CAPACITY.
const envPrefix = "RECSYS_PROXY"

// legacyTargetEnv names the backend address the way earlier deployments did.
const legacyTargetEnv = "RECSYS_TARGET"

// ServeConfig is the resolved configuration of the serve command. Values come
// from flags, then RECSYS_PROXY_* environment variables, then the config file.
type ServeConfig struct {
	Listen              string        `mapstructure:"listen" json:"listen"`
	HTTPListen          string        `mapstructure:"http-listen" json:"http-listen"`
	Backend             string        `mapstructure:"backend" json:"backend"`
	Target              string        `mapstructure:"target" json:"target"`
	Token               string        `mapstructure:"token" json:"-"`
	BackendTimeout      time.Duration `mapstructure:"backend-timeout" json:"backend-timeout"`
	BackendBatch        bool          `mapstructure:"backend-batch" json:"backend-batch"`
	CacheCapacity       int           `mapstructure:"cache-capacity" json:"cache-capacity"`
	CacheShards         int           `mapstructure:"cache-shards" json:"cache-shards"`
	MaxConcurrency      int           `mapstructure:"max-concurrency" json:"max-concurrency"`
	ScoreTimeout        time.Duration `mapstructure:"score-timeout" json:"score-timeout"`
	FailurePolicy       string        `mapstructure:"failure-policy" json:"failure-policy"`
	DefaultScore        float64       `mapstructure:"default-score" json:"default-score"`
	HighCardinalityKeys string        `mapstructure:"high-cardinality-keys" json:"high-cardinality-keys"`
}

// Validate rejects configurations the service cannot start with.
func (c *ServeConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Listen, validation.Required),
		validation.Field(&c.Backend, validation.Required,
			validation.By(func(any) error {
				if !backend.IsValidBackend(c.Backend) {
					return fmt.Errorf("must be one of: %s", strings.Join(backend.ValidBackendNames(), ", "))
				}
				return nil
			})),
		validation.Field(&c.Target, validation.When(c.Backend == backend.NameHTTP, validation.Required)),
		validation.Field(&c.CacheCapacity, validation.Required.Error("must be positive"), validation.Min(1)),
		validation.Field(&c.CacheShards, validation.Min(0)),
		validation.Field(&c.MaxConcurrency, validation.Min(0)),
		validation.Field(&c.ScoreTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.BackendTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.FailurePolicy, validation.By(func(any) error {
			_, err := proxy.ParseFailurePolicy(c.FailurePolicy)
			return err
		})),
	)
}

// newViper returns a viper instance reading RECSYS_PROXY_* overrides.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("target", envPrefix+"_TARGET", legacyTargetEnv); err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", legacyTargetEnv, err)
	}
	return v, nil
}

// loadServeConfig merges flags, environment and the optional config file.
func loadServeConfig(flags *pflag.FlagSet, path string) (*ServeConfig, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg ServeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// loadEnvFile loads KEY=VALUE pairs from path into the environment. Variables
// already set are kept. A missing file is not an error.
func loadEnvFile(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		logrus.Debugf("no env file loaded from %s: %v", path, err)
	}
}
