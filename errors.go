package lms

import (
	"net/http"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	TextCodeHeaderMissing   = "AUTHORIZATION_HEADER_MISSING"
	TextCodeInvalidHeader   = "INVALID_HEADER"
	TextCodeMissingKeyID    = "MISSING_KEY_ID"
	TextCodeInvalidKey      = "INVALID_KEY"
	TextCodeInvalidClaims   = "INVALID_CLAIMS"
	TextCodeInvalidSig      = "INVALID_SIGNATURE"
	TextCodeJWKSError       = "JWKS_ERROR"
	TextCodeRateLimit       = "RATE_LIMIT"
	TextCodeUserInfoError   = "USERINFO_ERROR"
	TextCodeEmailRequired   = "EMAIL_REQUIRED"
	TextCodeForbidden       = "FORBIDDEN"
	TextCodeUserNotFound    = "USER_NOT_FOUND"
	TextCodeUserConflict    = "USER_CONFLICT"
	TextCodePersistence     = "PERSISTENCE_ERROR"
	TextCodeInvalidRole     = "INVALID_ROLE"
	TextCodeInternal        = "INTERNAL_ERROR"
	TextCodeRequestCanceled = "REQUEST_CANCELED"
	TextCodeBadRequest      = "BAD_REQUEST"
	TextCodeNoProfile       = "PROFILE_UNAVAILABLE"
)

// Token format and key resolution failures
var (
	ErrMissingHeader = errors.New("Authorization header is expected", errors.CategoryAuth).
				WithCode(errors.CodeUnauthorized).
				WithTextCode(TextCodeHeaderMissing)

	ErrMalformedHeader = errors.New("Authorization header must be a Bearer token", errors.CategoryAuth).
				WithCode(errors.CodeUnauthorized).
				WithTextCode(TextCodeInvalidHeader)

	ErrMissingKeyID = errors.New("Token header does not carry a key id", errors.CategoryAuth).
			WithCode(errors.CodeUnauthorized).
			WithTextCode(TextCodeMissingKeyID)

	ErrUnknownKeyID = errors.New("Unable to find appropriate key", errors.CategoryAuth).
			WithCode(errors.CodeUnauthorized).
			WithTextCode(TextCodeInvalidKey)
)

// Claim validation failures
var (
	ErrExpiredToken = errors.New("Token is expired", errors.CategoryAuth).
			WithCode(errors.CodeUnauthorized).
			WithTextCode(errors.TextCodeTokenExpired)

	ErrInvalidClaims = errors.New("Incorrect claims, please check the audience and issuer", errors.CategoryAuth).
				WithCode(errors.CodeUnauthorized).
				WithTextCode(TextCodeInvalidClaims)

	ErrInvalidSignature = errors.New("Token signature is invalid", errors.CategoryAuth).
				WithCode(errors.CodeUnauthorized).
				WithTextCode(TextCodeInvalidSig)
)

// Identity provider transport failures
var (
	ErrKeyDirectoryFetch = errors.New("Unable to fetch signing keys", errors.CategoryExternal).
				WithCode(http.StatusServiceUnavailable).
				WithTextCode(TextCodeJWKSError)

	ErrUserInfoRateLimit = errors.New("Too many requests to the user info endpoint", errors.CategoryRateLimit).
				WithCode(errors.CodeTooManyRequests).
				WithTextCode(TextCodeRateLimit)

	ErrUserInfoFetch = errors.New("Unable to fetch user info", errors.CategoryExternal).
				WithCode(http.StatusServiceUnavailable).
				WithTextCode(TextCodeUserInfoError)
)

// Provisioning, authorization and storage failures
var (
	ErrEmailRequired = errors.New("Email is required", errors.CategoryValidation).
				WithCode(errors.CodeBadRequest).
				WithTextCode(TextCodeEmailRequired)

	ErrForbidden = errors.New("Insufficient permissions", errors.CategoryAuthz).
			WithCode(errors.CodeForbidden).
			WithTextCode(TextCodeForbidden)

	ErrUserNotFound = errors.New("User not found", errors.CategoryNotFound).
			WithCode(errors.CodeNotFound).
			WithTextCode(TextCodeUserNotFound)

	ErrUserConflict = errors.New("User already exists", errors.CategoryConflict).
			WithCode(errors.CodeConflict).
			WithTextCode(TextCodeUserConflict)

	ErrPersistence = errors.New("Unable to access user storage", errors.CategoryInternal).
			WithCode(errors.CodeInternal).
			WithTextCode(TextCodePersistence)

	ErrInvalidRole = errors.New("Invalid role", errors.CategoryBadInput).
			WithCode(errors.CodeBadRequest).
			WithTextCode(TextCodeInvalidRole)
)

// NewError clones sentinel, records cause as the source and merges meta.
// A nil sentinel wraps cause as an internal error.
func NewError(sentinel *errors.Error, cause error, meta ...map[string]any) *errors.Error {
	if sentinel == nil {
		if cause == nil {
			return errors.New("An unexpected error occurred", errors.CategoryInternal).
				WithCode(errors.CodeInternal).
				WithTextCode(TextCodeInternal)
		}
		return errors.Wrap(cause, errors.CategoryInternal, "An unexpected error occurred").
			WithCode(errors.CodeInternal).
			WithTextCode(TextCodeInternal)
	}

	clone := sentinel.Clone()
	clone.Source = cause
	if cause != nil {
		clone.WithMetadata(map[string]any{"cause": cause.Error()})
	}
	return clone.WithMetadata(meta...)
}

// HasTextCode reports whether err is a rich error carrying code.
func HasTextCode(err error, code string) bool {
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == code
}

// ResponseCode is the wire representation of a rich error text code.
func ResponseCode(richErr *errors.Error) string {
	if richErr == nil || richErr.TextCode == "" {
		return strings.ToLower(TextCodeInternal)
	}
	return strings.ToLower(richErr.TextCode)
}
