// Package config loads the server settings from the environment.
package config

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-lms/provider/auth0"
	"github.com/joeshaw/envdecode"
)

// Config is decoded from environment variables
type Config struct {
	Auth0Domain   string `env:"AUTH0_DOMAIN,required"`
	Auth0Audience string `env:"AUTH0_AUDIENCE,required"`
	Auth0Issuer   string `env:"AUTH0_ISSUER"`

	HTTPAddr    string `env:"LMS_HTTP_ADDR,default=:8000"`
	DatabaseDSN string `env:"LMS_DATABASE_DSN,default=file:lms.db?cache=shared"`

	JWKSTTL              time.Duration `env:"LMS_JWKS_TTL,default=10m"`
	UserInfoTTL          time.Duration `env:"LMS_USERINFO_TTL,default=5m"`
	IdPTimeout           time.Duration `env:"LMS_IDP_TIMEOUT,default=5s"`
	JWKSRefreshRateLimit time.Duration `env:"LMS_JWKS_REFRESH_RATE_LIMIT,default=10s"`
	StalePolicy          string        `env:"LMS_STALE_POLICY,default=rate_limit"`
	Algorithms           []string      `env:"LMS_ALGORITHMS,default=RS256"`

	RedisAddr     string `env:"LMS_REDIS_ADDR"`
	RedisPassword string `env:"LMS_REDIS_PASSWORD"`
	RedisDB       int    `env:"LMS_REDIS_DB"`

	LogLevel string `env:"LMS_LOG_LEVEL,default=info"`
}

var logLevels = []any{"trace", "debug", "info", "warn", "error", "fatal"}

// Load decodes and validates the environment
func Load() (Config, error) {
	cfg := Config{}
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return cfg, errors.Wrap(err, errors.CategoryValidation, "invalid environment configuration")
	}

	cfg.StalePolicy = strings.ToLower(strings.TrimSpace(cfg.StalePolicy))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values envdecode cannot
func (c Config) Validate() error {
	if verr := errors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&c,
			validation.Field(&c.Auth0Domain, validation.Required),
			validation.Field(&c.Auth0Audience, validation.Required),
			validation.Field(&c.HTTPAddr, validation.Required),
			validation.Field(&c.DatabaseDSN, validation.Required),
			validation.Field(&c.JWKSTTL, validation.Required, validation.Min(time.Second)),
			validation.Field(&c.UserInfoTTL, validation.Required, validation.Min(time.Second)),
			validation.Field(&c.IdPTimeout, validation.Required, validation.Min(time.Millisecond)),
			validation.Field(&c.JWKSRefreshRateLimit, validation.Min(time.Duration(0))),
			validation.Field(&c.StalePolicy, validation.In(
				string(auth0.StaleNever), string(auth0.StaleOnRateLimit), string(auth0.StaleOnError),
			)),
			validation.Field(&c.Algorithms, validation.Required),
			validation.Field(&c.RedisDB, validation.Min(0)),
			validation.Field(&c.LogLevel, validation.In(logLevels...)),
		)
	}, "invalid environment configuration"); verr != nil {
		return verr
	}
	return nil
}

// AuthConfig builds the identity provider configuration
func (c Config) AuthConfig() auth0.Config {
	cfg := auth0.DefaultConfig(c.Auth0Domain, c.Auth0Audience)
	cfg.Issuer = c.Auth0Issuer
	cfg.KeysTTL = c.JWKSTTL
	cfg.ProfileTTL = c.UserInfoTTL
	cfg.Timeout = c.IdPTimeout
	cfg.RefreshRateLimit = c.JWKSRefreshRateLimit

	if policy, err := auth0.ParseStalePolicy(c.StalePolicy); err == nil {
		cfg.StalePolicy = policy
	}

	algs := make([]string, 0, len(c.Algorithms))
	for _, alg := range c.Algorithms {
		if alg = strings.TrimSpace(alg); alg != "" {
			algs = append(algs, alg)
		}
	}
	if len(algs) > 0 {
		cfg.Algorithms = algs
	}

	return cfg
}

// UsesRedis reports whether profiles are shared through redis
func (c Config) UsesRedis() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}

// Describe lists the effective settings with secrets masked, for the
// startup log.
func (c Config) Describe() map[string]string {
	out := map[string]string{}

	infos, err := envdecode.Export(&c)
	if err != nil {
		return out
	}

	for _, info := range infos {
		value := info.Value
		if strings.Contains(info.EnvVar, "PASSWORD") && value != "" {
			value = "****"
		}
		out[info.EnvVar] = value
	}
	return out
}
