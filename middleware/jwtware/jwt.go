package jwtware

import (
	"context"
	"strings"

	"github.com/goliatone/go-lms"
	"github.com/goliatone/go-router"
)

const defaultTokenLookup = "header:" + router.HeaderAuthorization

// Resolver maps verified claims to a local user
type Resolver interface {
	Resolve(ctx context.Context, claims *lms.Claims) (*lms.User, error)
}

// ValidationListener is invoked after a token has been verified and the user
// resolved, before authorization checks.
type ValidationListener func(ctx router.Context, claims *lms.Claims, user *lms.User) error

type Config struct {
	Filter         func(router.Context) bool
	SuccessHandler router.HandlerFunc
	ErrorHandler   router.ErrorHandler

	// ContextKey is the Locals key holding the resolved user. Claims
	// are stored under ContextKey + "_claims".
	ContextKey  string
	TokenLookup string
	AuthScheme  string

	// Verifier is required
	Verifier lms.TokenVerifier

	// Resolver is optional. Without it only claims are placed on the request.
	Resolver Resolver

	// Guard enforces RequiredRoles and RequiredScopes after resolution.
	Guard          *lms.AccessGuard
	RequiredRoles  []lms.UserRole
	RequiredScopes []string

	ValidationListeners []ValidationListener
}

func New(config ...Config) router.MiddlewareFunc {
	cfg := GetDefaultConfig(config...)
	extractors := cfg.getExtractors()
	requirement := lms.Requirement{Roles: cfg.RequiredRoles, Scopes: cfg.RequiredScopes}

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			return cfg.handle(c, extractors, requirement)
		}
	}
}

func (cfg *Config) handle(c router.Context, extractors []TokenExtractor, requirement lms.Requirement) error {
	if cfg.Filter != nil && cfg.Filter(c) {
		return c.Next()
	}

	raw, err := ExtractRawToken(c, extractors)
	if err != nil {
		return cfg.ErrorHandler(c, err)
	}

	ctx := c.Context()

	claims, err := cfg.Verifier.Verify(ctx, raw)
	if err != nil {
		return cfg.ErrorHandler(c, err)
	}

	var user *lms.User
	if cfg.Resolver != nil {
		user, err = cfg.Resolver.Resolve(ctx, claims)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}
	}

	if err := cfg.runValidationListeners(c, claims, user); err != nil {
		return cfg.ErrorHandler(c, err)
	}

	if err := cfg.Guard.Authorize(claims, user, requirement); err != nil {
		return cfg.ErrorHandler(c, err)
	}

	ctx = lms.WithClaimsContext(ctx, claims)
	c.Locals(cfg.ContextKey+"_claims", claims)
	if user != nil {
		ctx = lms.WithContext(ctx, user)
		c.Locals(cfg.ContextKey, user)
	}
	c.SetContext(ctx)

	return cfg.SuccessHandler(c)
}

func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Verifier == nil {
		panic("LMS: JWT middleware configuration: Verifier is required.")
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(c router.Context) error {
			return c.Next()
		}
	}

	// returning the error hands it to the app level error handler
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(_ router.Context, err error) error {
			return err
		}
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = "user"
	}

	if cfg.TokenLookup == "" {
		cfg.TokenLookup = defaultTokenLookup
	}

	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}

	if cfg.Guard == nil {
		cfg.Guard = lms.NewAccessGuard(nil)
	}

	return cfg
}

func (cfg *Config) getExtractors() []TokenExtractor {
	return GetExtractors(cfg.TokenLookup, cfg.AuthScheme)
}

func (cfg *Config) runValidationListeners(c router.Context, claims *lms.Claims, user *lms.User) error {
	for _, listener := range cfg.ValidationListeners {
		if listener == nil {
			continue
		}
		if err := listener(c, claims, user); err != nil {
			return err
		}
	}
	return nil
}

// ExtractRawToken tries each extractor in order and returns the first token
// found. When none matches the error of the first extractor is returned, so
// header problems win over a missing cookie.
func ExtractRawToken(c router.Context, extractors []TokenExtractor) (string, error) {
	var first error
	for _, extractor := range extractors {
		raw, err := extractor(c)
		if err == nil && raw != "" {
			return raw, nil
		}
		if first == nil {
			first = err
		}
	}

	if first == nil {
		first = lms.NewError(lms.ErrMissingHeader, nil)
	}
	return "", first
}

type TokenExtractor func(c router.Context) (string, error)

// GetExtractors parses a lookup definition such as
// "header:Authorization,cookie:jwt,query:access_token".
func GetExtractors(tokenLookup string, authSchemes ...string) []TokenExtractor {
	extractors := make([]TokenExtractor, 0)

	authScheme := "Bearer"
	if len(authSchemes) > 0 && strings.TrimSpace(authSchemes[0]) != "" {
		authScheme = strings.TrimSpace(authSchemes[0])
	}

	for _, rootPart := range strings.Split(tokenLookup, ",") {
		parts := strings.SplitN(strings.TrimSpace(rootPart), ":", 2)
		if len(parts) != 2 {
			continue
		}

		source, name := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		switch source {
		case "header":
			extractors = append(extractors, tokenFromHeader(name, authScheme))
		case "query":
			extractors = append(extractors, tokenFromQuery(name))
		case "param":
			extractors = append(extractors, tokenFromParam(name))
		case "cookie":
			extractors = append(extractors, tokenFromCookie(name))
		}
	}

	return extractors
}

// ExtractBearer returns the token of an Authorization header value. The
// header must hold exactly the scheme, matched case-insensitively, and one
// token.
func ExtractBearer(header string) (string, error) {
	return extractScheme(header, "Bearer")
}

func extractScheme(header, scheme string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) == 0 {
		return "", lms.NewError(lms.ErrMissingHeader, nil)
	}

	if !strings.EqualFold(parts[0], scheme) {
		return "", malformed("Authorization header must start with " + scheme)
	}

	switch len(parts) {
	case 1:
		return "", malformed("Token not found")
	case 2:
		return parts[1], nil
	default:
		return "", malformed("Authorization header must be " + scheme + " token")
	}
}

func malformed(description string) error {
	err := lms.NewError(lms.ErrMalformedHeader, nil)
	err.Message = description
	return err
}

// tokenFromHeader returns a function that extracts token from the request header.
func tokenFromHeader(header, authScheme string) TokenExtractor {
	return func(c router.Context) (string, error) {
		return extractScheme(c.Header(header), authScheme)
	}
}

// tokenFromQuery returns a function that extracts token from the query string.
func tokenFromQuery(param string) TokenExtractor {
	return func(c router.Context) (string, error) {
		token := c.Query(param)
		if token == "" {
			return "", lms.NewError(lms.ErrMissingHeader, nil)
		}
		return token, nil
	}
}

// tokenFromParam returns a function that extracts token from the url param string.
func tokenFromParam(param string) TokenExtractor {
	return func(c router.Context) (string, error) {
		token := c.Param(param)
		if token == "" {
			return "", lms.NewError(lms.ErrMissingHeader, nil)
		}
		return token, nil
	}
}

// tokenFromCookie returns a function that extracts token from the named cookie.
func tokenFromCookie(name string) TokenExtractor {
	return func(c router.Context) (string, error) {
		token := c.Cookies(name)
		if token == "" {
			return "", lms.NewError(lms.ErrMissingHeader, nil)
		}
		return token, nil
	}
}
