package lms

import (
	"context"
	"strings"
)

// IdentityResolver maps verified claims to a local user, provisioning the
// record with the student role the first time a subject is seen.
type IdentityResolver struct {
	users    Users
	emails   EmailSource
	activity ActivitySink
	provider LoggerProvider
	logger   Logger
}

// ResolverOption configures an IdentityResolver
type ResolverOption func(*IdentityResolver)

// WithEmailSource sets where emails come from when claims carry none
func WithEmailSource(src EmailSource) ResolverOption {
	return func(r *IdentityResolver) {
		r.emails = src
	}
}

// WithResolverActivitySink receives an event for every provisioned user
func WithResolverActivitySink(sink ActivitySink) ResolverOption {
	return func(r *IdentityResolver) {
		r.activity = sink
	}
}

// WithResolverLogger sets the resolver logger
func WithResolverLogger(logger Logger) ResolverOption {
	return func(r *IdentityResolver) {
		r.provider, r.logger = ResolveLogger("lms.identity_resolver", r.provider, logger)
	}
}

// WithResolverLoggerProvider sets the provider used to obtain the resolver logger
func WithResolverLoggerProvider(provider LoggerProvider) ResolverOption {
	return func(r *IdentityResolver) {
		r.provider, r.logger = ResolveLogger("lms.identity_resolver", provider, r.logger)
	}
}

// NewIdentityResolver creates a resolver backed by users
func NewIdentityResolver(users Users, opts ...ResolverOption) *IdentityResolver {
	r := &IdentityResolver{users: users}
	r.provider, r.logger = ResolveLogger("lms.identity_resolver", nil, nil)
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve returns the user for claims.Subject. Existing records are returned
// unchanged even when the provider claims differ.
func (r *IdentityResolver) Resolve(ctx context.Context, claims *Claims) (*User, error) {
	if claims == nil || strings.TrimSpace(claims.Subject) == "" {
		return nil, NewError(ErrInvalidClaims, nil, map[string]any{
			"reason": "missing subject",
		})
	}

	user, err := r.users.GetBySubject(ctx, claims.Subject)
	if err == nil {
		return user, nil
	}

	if !HasTextCode(err, TextCodeUserNotFound) {
		return nil, err
	}

	email, err := r.resolveEmail(ctx, claims)
	if err != nil {
		return nil, err
	}

	if email == "" {
		return nil, NewError(ErrEmailRequired, nil, map[string]any{
			"subject": claims.Subject,
		})
	}

	created, err := r.users.Create(ctx, &User{
		Subject: claims.Subject,
		Email:   email,
		Role:    RoleStudent,
	})
	if err == nil {
		r.logger.Info("provisioned user", "subject", claims.Subject, "id", created.ID.String())
		recordActivity(ctx, r.activity, r.logger, ActivityEvent{
			EventType: ActivityEventUserProvisioned,
			UserID:    created.ID.String(),
			ToRole:    created.Role,
			Metadata:  map[string]any{"subject": claims.Subject},
		})
		return created, nil
	}

	if !HasTextCode(err, TextCodeUserConflict) {
		return nil, err
	}

	// concurrent first login for the same subject
	existing, readErr := r.users.GetBySubject(ctx, claims.Subject)
	if readErr == nil {
		r.logger.Debug("user created concurrently, using existing row", "subject", claims.Subject)
		return existing, nil
	}

	r.logger.Error("user conflict without matching subject", "subject", claims.Subject, "error", err)

	return nil, NewError(ErrPersistence, err, map[string]any{
		"subject": claims.Subject,
		"email":   email,
	})
}

func (r *IdentityResolver) resolveEmail(ctx context.Context, claims *Claims) (string, error) {
	email := strings.TrimSpace(claims.Email)
	if email != "" || r.emails == nil {
		return email, nil
	}

	email, err := r.emails.Email(ctx, claims)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(email), nil
}
