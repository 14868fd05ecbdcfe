package auth0

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-lms"
	"golang.org/x/sync/singleflight"
)

const maxProfileSize = 1 << 20

// ProfileClient fetches the /userinfo profile of a caller and caches it by
// subject.
type ProfileClient struct {
	url     string
	client  *http.Client
	ttl     time.Duration
	timeout time.Duration
	stale   StalePolicy
	now     func() time.Time
	store   ProfileStore
	logger  lms.Logger

	group   singleflight.Group
	fetches atomic.Int64
}

var (
	_ lms.ProfileSource = (*ProfileClient)(nil)
	_ lms.EmailSource   = (*ProfileClient)(nil)
)

// ProfileClientOption configures a ProfileClient
type ProfileClientOption func(*ProfileClient)

// WithProfileStore replaces the in memory store
func WithProfileStore(store ProfileStore) ProfileClientOption {
	return func(p *ProfileClient) {
		if store != nil {
			p.store = store
		}
	}
}

// WithProfileLogger sets the logger
func WithProfileLogger(logger lms.Logger) ProfileClientOption {
	return func(p *ProfileClient) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProfileClient creates a client for the tenant userinfo endpoint
func NewProfileClient(cfg Config, opts ...ProfileClientOption) (*ProfileClient, error) {
	if cfg.issuerURL() == "" {
		return nil, errors.New("auth0: issuer or domain is required", errors.CategoryValidation)
	}
	cfg = cfg.withDefaults()

	p := &ProfileClient{
		url:     cfg.userInfoURL(),
		client:  cfg.HTTPClient,
		ttl:     cfg.ProfileTTL,
		timeout: cfg.Timeout,
		stale:   cfg.StalePolicy,
		now:     cfg.Clock,
		logger:  lms.NopLogger(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.store == nil {
		p.store = NewMemoryProfileStore(
			WithMemoryRetention(4*p.ttl),
			WithMemoryClock(p.now),
		)
	}

	return p, nil
}

// Fetches is the number of outbound requests made so far
func (p *ProfileClient) Fetches() int64 {
	return p.fetches.Load()
}

// Profile returns the cached profile while it is younger than the TTL and
// fetches it otherwise.
func (p *ProfileClient) Profile(ctx context.Context, claims *lms.Claims) (lms.Profile, error) {
	if claims == nil || claims.Subject == "" || claims.RawToken == "" {
		return nil, lms.NewError(lms.ErrInvalidClaims, nil, map[string]any{
			"provider": "auth0",
			"reason":   "profile lookup needs subject and token",
		})
	}

	entry, found, err := p.store.Get(ctx, claims.Subject)
	if err != nil {
		p.logger.Warn("profile store read failed", "subject", claims.Subject, "error", err)
		found = false
	}

	if found && p.now().Sub(entry.FetchedAt) < p.ttl {
		return entry.Profile, nil
	}

	ch := p.group.DoChan(claims.Subject, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.fetchAndStore(fetchCtx, claims)
	})

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.CategoryOperation, "profile lookup abandoned").
			WithCode(errors.CodeRequestTimeout).
			WithTextCode(lms.TextCodeRequestCanceled)
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(lms.Profile), nil
		}

		if found && p.stale.AllowsStale(lms.HasTextCode(res.Err, lms.TextCodeRateLimit)) {
			p.logger.Warn("userinfo refresh failed, serving stale profile",
				"subject", claims.Subject,
				"fetched_at", entry.FetchedAt,
				"error", res.Err,
			)
			return entry.Profile, nil
		}
		return nil, res.Err
	}
}

// Email implements lms.EmailSource
func (p *ProfileClient) Email(ctx context.Context, claims *lms.Claims) (string, error) {
	profile, err := p.Profile(ctx, claims)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(profile.Email()), nil
}

func (p *ProfileClient) fetchAndStore(ctx context.Context, claims *lms.Claims) (lms.Profile, error) {
	profile, err := p.fetch(ctx, claims.RawToken)
	if err != nil {
		return nil, err
	}

	entry := ProfileEntry{
		Subject:   claims.Subject,
		Profile:   profile,
		FetchedAt: p.now(),
	}
	if err := p.store.Set(ctx, entry); err != nil {
		p.logger.Warn("profile store write failed", "subject", claims.Subject, "error", err)
	}
	return profile, nil
}

func (p *ProfileClient) fetch(ctx context.Context, rawToken string) (lms.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fetchError(lms.ErrUserInfoFetch, err, p.url, 0)
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)
	req.Header.Set("Accept", "application/json")

	p.fetches.Add(1)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fetchError(lms.ErrUserInfoFetch, err, p.url, 0)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProfileSize))
		return nil, fetchError(lms.ErrUserInfoRateLimit, nil, p.url, resp.StatusCode).
			WithMetadata(map[string]any{"retry_after": resp.Header.Get("Retry-After")})
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProfileSize))
		return nil, fetchError(lms.ErrUserInfoFetch, nil, p.url, resp.StatusCode)
	}

	profile := lms.Profile{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileSize)).Decode(&profile); err != nil {
		return nil, fetchError(lms.ErrUserInfoFetch, err, p.url, resp.StatusCode)
	}
	return profile, nil
}
