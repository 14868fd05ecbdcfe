package auth0

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"
)

const (
	// DefaultKeysTTL is how long a fetched key directory is trusted
	DefaultKeysTTL = 600 * time.Second
	// DefaultProfileTTL is how long a userinfo profile is served from cache
	DefaultProfileTTL = 300 * time.Second
	// DefaultRefreshRateLimit is the minimum gap between forced key refreshes
	DefaultRefreshRateLimit = 10 * time.Second
	// DefaultTimeout bounds every outbound call to the provider
	DefaultTimeout = 5 * time.Second
)

// StalePolicy decides when an expired cache entry may be served because a
// refresh failed. One policy applies to every cache in this package.
type StalePolicy string

const (
	// StaleNever surfaces every refresh failure
	StaleNever StalePolicy = "never"
	// StaleOnRateLimit serves stale entries when the provider answered 429
	StaleOnRateLimit StalePolicy = "rate_limit"
	// StaleOnError serves stale entries on any refresh failure
	StaleOnError StalePolicy = "error"
)

// ParseStalePolicy parses a policy name. Empty selects StaleOnRateLimit.
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch p := StalePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return StaleOnRateLimit, nil
	case StaleNever, StaleOnRateLimit, StaleOnError:
		return p, nil
	default:
		return "", errors.New("unknown stale policy", errors.CategoryValidation).
			WithMetadata(map[string]any{"policy": s})
	}
}

// AllowsStale reports whether a failure may fall back to a stale entry
func (p StalePolicy) AllowsStale(rateLimited bool) bool {
	switch p {
	case StaleOnError:
		return true
	case StaleOnRateLimit:
		return rateLimited
	default:
		return false
	}
}

// Config holds Auth0 configuration for token verification and profile lookups.
type Config struct {
	// Domain is the Auth0 tenant domain (e.g., "example.us.auth0.com").
	Domain string

	// Audience is the API identifier tokens must be issued for.
	Audience string

	// Issuer overrides the default issuer URL (optional).
	// Default: "https://{Domain}/".
	Issuer string

	// Algorithms lists the accepted signing algorithms.
	// Default: RS256.
	Algorithms []string

	// KeysTTL is how long to trust a fetched key directory.
	KeysTTL time.Duration

	// ProfileTTL is how long to serve a userinfo profile from cache.
	ProfileTTL time.Duration

	// RefreshRateLimit is the minimum gap between forced key refreshes
	// triggered by unknown key ids.
	RefreshRateLimit time.Duration

	// Timeout bounds each outbound request.
	Timeout time.Duration

	// Leeway is the clock skew tolerated on time based claims.
	Leeway time.Duration

	// StalePolicy applies to both the key directory and the profile cache.
	StalePolicy StalePolicy

	// HTTPClient is used for outbound requests (optional).
	HTTPClient *http.Client

	// Clock returns the current time (optional).
	Clock func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(domain, audience string) Config {
	return Config{
		Domain:           domain,
		Audience:         audience,
		Algorithms:       []string{"RS256"},
		KeysTTL:          DefaultKeysTTL,
		ProfileTTL:       DefaultProfileTTL,
		RefreshRateLimit: DefaultRefreshRateLimit,
		Timeout:          DefaultTimeout,
		StalePolicy:      StaleOnRateLimit,
	}
}

// Validate checks the settings that cannot be defaulted
func (c Config) Validate() error {
	if verr := errors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&c,
			validation.Field(&c.Audience, validation.Required),
			validation.Field(&c.Domain, validation.When(c.Issuer == "", validation.Required)),
			validation.Field(&c.StalePolicy, validation.In(StalePolicy(""), StaleNever, StaleOnRateLimit, StaleOnError)),
			validation.Field(&c.KeysTTL, validation.Min(time.Duration(0))),
			validation.Field(&c.ProfileTTL, validation.Min(time.Duration(0))),
		)
	}, "invalid auth0 configuration"); verr != nil {
		return verr
	}

	issuer := c.issuerURL()
	u, err := url.Parse(issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("auth0: invalid issuer URL", errors.CategoryValidation).
			WithMetadata(map[string]any{"issuer": issuer})
	}

	return nil
}

func (c Config) withDefaults() Config {
	if len(c.Algorithms) == 0 {
		c.Algorithms = []string{"RS256"}
	}
	if c.KeysTTL <= 0 {
		c.KeysTTL = DefaultKeysTTL
	}
	if c.ProfileTTL <= 0 {
		c.ProfileTTL = DefaultProfileTTL
	}
	if c.RefreshRateLimit <= 0 {
		c.RefreshRateLimit = DefaultRefreshRateLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.StalePolicy == "" {
		c.StalePolicy = StaleOnRateLimit
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

func (c Config) issuerURL() string {
	if c.Issuer != "" {
		return normalizeIssuer(c.Issuer)
	}

	domain := strings.TrimSpace(c.Domain)
	if domain == "" {
		return ""
	}

	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return normalizeIssuer(domain)
	}

	return fmt.Sprintf("https://%s/", strings.TrimSuffix(domain, "/"))
}

func (c Config) jwksURL() string {
	return c.issuerURL() + ".well-known/jwks.json"
}

func (c Config) userInfoURL() string {
	return c.issuerURL() + "userinfo"
}

func normalizeIssuer(issuer string) string {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return issuer
	}
	if strings.HasSuffix(issuer, "/") {
		return issuer
	}
	return issuer + "/"
}
