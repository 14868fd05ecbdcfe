package auth0

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-lms"
)

// TokenValidator verifies Auth0-issued JWTs against the tenant key directory.
type TokenValidator struct {
	config Config
	keys   *KeyDirectory
	parser *jwt.Parser
	logger lms.Logger
}

var _ lms.TokenVerifier = (*TokenValidator)(nil)

// ValidatorOption configures a TokenValidator
type ValidatorOption func(*TokenValidator)

// WithKeyDirectory shares an existing key directory
func WithKeyDirectory(keys *KeyDirectory) ValidatorOption {
	return func(v *TokenValidator) {
		if keys != nil {
			v.keys = keys
		}
	}
}

// WithValidatorLogger sets the logger
func WithValidatorLogger(logger lms.Logger) ValidatorOption {
	return func(v *TokenValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewTokenValidator creates a new Auth0 token validator.
func NewTokenValidator(cfg Config, opts ...ValidatorOption) (*TokenValidator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	v := &TokenValidator{
		config: cfg,
		logger: lms.NopLogger(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}

	if v.keys == nil {
		keys, err := NewKeyDirectory(cfg, WithKeyDirectoryLogger(v.logger))
		if err != nil {
			return nil, err
		}
		v.keys = keys
	}

	v.parser = jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.issuerURL()),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(cfg.Clock),
	)

	return v, nil
}

// Keys exposes the key directory used by the validator
func (v *TokenValidator) Keys() *KeyDirectory {
	return v.keys
}

// Verify implements lms.TokenVerifier.
func (v *TokenValidator) Verify(ctx context.Context, rawToken string) (*lms.Claims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, lms.NewError(lms.ErrMissingHeader, nil, map[string]any{"provider": "auth0"})
	}

	unverified, _, err := v.parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, unparsableToken(err, map[string]any{"provider": "auth0"})
	}

	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, lms.NewError(lms.ErrMissingKeyID, nil, map[string]any{"provider": "auth0"})
	}

	key, set, err := v.keys.Key(ctx, kid)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		if key.Algorithm != "" && key.Algorithm != t.Method.Alg() {
			return nil, fmt.Errorf("key %s is bound to %s, token uses %s", kid, key.Algorithm, t.Method.Alg())
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, normalizeValidationError(err, kid)
	}
	if !token.Valid {
		return nil, lms.NewError(lms.ErrInvalidSignature, nil, map[string]any{"provider": "auth0", "kid": kid})
	}

	out, err := mapClaims(claims, rawToken, kid)
	if err != nil {
		return nil, err
	}

	v.keys.MarkValidated(set)
	return out, nil
}

func mapClaims(claims jwt.MapClaims, rawToken, kid string) (*lms.Claims, error) {
	sub, _ := claims.GetSubject()
	if strings.TrimSpace(sub) == "" {
		return nil, lms.NewError(lms.ErrInvalidClaims, nil, map[string]any{
			"provider": "auth0",
			"kid":      kid,
			"reason":   "missing subject",
		})
	}

	iss, _ := claims.GetIssuer()
	aud, _ := claims.GetAudience()

	var expiresAt time.Time
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		expiresAt = exp.Time
	}

	out := &lms.Claims{
		Subject:   sub,
		Issuer:    iss,
		Audience:  []string(aud),
		ExpiresAt: expiresAt,
		KeyID:     kid,
		RawToken:  rawToken,
		Extra:     map[string]any{},
	}
	out.Email, _ = claims["email"].(string)
	out.Scope, _ = claims["scope"].(string)

	for name, value := range claims {
		switch name {
		case "sub", "iss", "aud", "exp", "email", "scope":
			continue
		}
		out.Extra[name] = value
	}

	return out, nil
}

func normalizeValidationError(err error, kid string) error {
	if err == nil {
		return nil
	}

	var richErr *errors.Error
	if errors.As(err, &richErr) {
		return richErr
	}

	if stderrors.Is(err, jwt.ErrTokenMalformed) {
		return unparsableToken(err, map[string]any{"provider": "auth0", "kid": kid})
	}

	sentinel := lms.ErrInvalidClaims
	switch {
	case stderrors.Is(err, jwt.ErrTokenExpired):
		sentinel = lms.ErrExpiredToken
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid),
		stderrors.Is(err, jwt.ErrTokenUnverifiable):
		sentinel = lms.ErrInvalidSignature
	}

	return lms.NewError(sentinel, err, map[string]any{
		"provider": "auth0",
		"kid":      kid,
	})
}

// unparsableToken reports a bearer token that is not a decodable JWT or uses
// an unknown alg. The header itself was well formed, so the message says so.
func unparsableToken(cause error, meta map[string]any) *errors.Error {
	err := lms.NewError(lms.ErrMalformedHeader, cause, meta)
	err.Message = "Unable to parse authentication token"
	return err
}
