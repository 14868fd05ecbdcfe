package auth0

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-lms"
	"golang.org/x/sync/singleflight"
)

const maxDirectorySize = 1 << 20

// SigningKey is a single verification key published by the provider
type SigningKey struct {
	KeyID     string
	KeyType   string
	Algorithm string
	Use       string
	Key       any
}

// KeySet is the provider key directory as of FetchedAt
type KeySet struct {
	Keys      []SigningKey
	FetchedAt time.Time

	validated atomic.Bool
}

// Lookup scans the set for kid
func (s *KeySet) Lookup(kid string) (SigningKey, bool) {
	if s == nil {
		return SigningKey{}, false
	}
	for _, k := range s.Keys {
		if k.KeyID == kid {
			return k, true
		}
	}
	return SigningKey{}, false
}

// KIDs lists the key ids in directory order
func (s *KeySet) KIDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Keys))
	for _, k := range s.Keys {
		out = append(out, k.KeyID)
	}
	return out
}

// Validated reports whether a token has been verified against this set
func (s *KeySet) Validated() bool {
	return s != nil && s.validated.Load()
}

// KeyDirectory caches the provider signing keys
type KeyDirectory struct {
	url              string
	client           *http.Client
	ttl              time.Duration
	timeout          time.Duration
	refreshRateLimit time.Duration
	stale            StalePolicy
	now              func() time.Time
	logger           lms.Logger

	mu          sync.RWMutex
	current     *KeySet
	lastFetchAt time.Time
	group       singleflight.Group
	fetches     atomic.Int64
}

// KeyDirectoryOption configures a KeyDirectory
type KeyDirectoryOption func(*KeyDirectory)

// WithKeyDirectoryLogger sets the logger
func WithKeyDirectoryLogger(logger lms.Logger) KeyDirectoryOption {
	return func(d *KeyDirectory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithKeyDirectoryURL overrides the directory location
func WithKeyDirectoryURL(u string) KeyDirectoryOption {
	return func(d *KeyDirectory) {
		if u != "" {
			d.url = u
		}
	}
}

// NewKeyDirectory creates an empty directory. Nothing is fetched until the
// first lookup.
func NewKeyDirectory(cfg Config, opts ...KeyDirectoryOption) (*KeyDirectory, error) {
	if cfg.issuerURL() == "" {
		return nil, fmt.Errorf("auth0: issuer or domain is required")
	}
	cfg = cfg.withDefaults()

	d := &KeyDirectory{
		url:              cfg.jwksURL(),
		client:           cfg.HTTPClient,
		ttl:              cfg.KeysTTL,
		timeout:          cfg.Timeout,
		refreshRateLimit: cfg.RefreshRateLimit,
		stale:            cfg.StalePolicy,
		now:              cfg.Clock,
		logger:           lms.NopLogger(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d, nil
}

// Fetches is the number of outbound requests made so far
func (d *KeyDirectory) Fetches() int64 {
	return d.fetches.Load()
}

// Keys returns the cached set while it is younger than the TTL and fetches
// a new one otherwise.
func (d *KeyDirectory) Keys(ctx context.Context) (*KeySet, error) {
	if set := d.fresh(); set != nil {
		return set, nil
	}
	return d.refresh(ctx)
}

// Refresh fetches the directory regardless of the cached set age
func (d *KeyDirectory) Refresh(ctx context.Context) (*KeySet, error) {
	return d.refresh(ctx)
}

// Key resolves kid. A miss triggers one forced refresh unless the last
// fetch completed less than the refresh rate limit ago.
func (d *KeyDirectory) Key(ctx context.Context, kid string) (SigningKey, *KeySet, error) {
	set, err := d.Keys(ctx)
	if err != nil {
		return SigningKey{}, nil, err
	}

	if key, ok := set.Lookup(kid); ok {
		return key, set, nil
	}

	if d.canForceRefresh() {
		d.logger.Debug("unknown key id, refreshing key directory", "kid", kid)
		set, err = d.refresh(ctx)
		if err != nil {
			return SigningKey{}, nil, err
		}
		if key, ok := set.Lookup(kid); ok {
			return key, set, nil
		}
	}

	return SigningKey{}, set, lms.NewError(lms.ErrUnknownKeyID, nil, map[string]any{
		"provider": "auth0",
		"kid":      kid,
		"known":    set.KIDs(),
	})
}

// MarkValidated records that set verified a token, which makes it eligible
// as a stale fallback.
func (d *KeyDirectory) MarkValidated(set *KeySet) {
	if set != nil {
		set.validated.Store(true)
	}
}

func (d *KeyDirectory) fresh() *KeySet {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.current == nil {
		return nil
	}
	if d.now().Sub(d.current.FetchedAt) >= d.ttl {
		return nil
	}
	return d.current
}

func (d *KeyDirectory) canForceRefresh() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastFetchAt.IsZero() || d.now().Sub(d.lastFetchAt) >= d.refreshRateLimit
}

func (d *KeyDirectory) refresh(ctx context.Context) (*KeySet, error) {
	ch := d.group.DoChan("jwks", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		return d.fetchAndStore(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.CategoryOperation, "key directory lookup abandoned").
			WithCode(errors.CodeRequestTimeout).
			WithTextCode(lms.TextCodeRequestCanceled)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	}
}

func (d *KeyDirectory) fetchAndStore(ctx context.Context) (*KeySet, error) {
	set, err := d.fetch(ctx)
	if err != nil {
		d.mu.RLock()
		previous := d.current
		d.mu.RUnlock()

		if previous != nil && previous.Validated() && d.stale.AllowsStale(isRateLimited(err)) {
			d.logger.Warn("key directory refresh failed, serving stale keys",
				"error", err,
				"fetched_at", previous.FetchedAt,
				"policy", string(d.stale),
			)
			return previous, nil
		}
		return nil, err
	}

	d.mu.Lock()
	d.current = set
	d.lastFetchAt = set.FetchedAt
	d.mu.Unlock()

	d.logger.Debug("key directory refreshed", "kids", set.KIDs())
	return set, nil
}

func (d *KeyDirectory) fetch(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, fetchError(lms.ErrKeyDirectoryFetch, err, d.url, 0)
	}
	req.Header.Set("Accept", "application/json")

	d.fetches.Add(1)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fetchError(lms.ErrKeyDirectoryFetch, err, d.url, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDirectorySize))
		return nil, fetchError(lms.ErrKeyDirectoryFetch, nil, d.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectorySize))
	if err != nil {
		return nil, fetchError(lms.ErrKeyDirectoryFetch, err, d.url, resp.StatusCode)
	}

	set, err := parseKeySet(body, d.now())
	if err != nil {
		return nil, fetchError(lms.ErrKeyDirectoryFetch, err, d.url, resp.StatusCode)
	}
	return set, nil
}

type directoryEntry struct {
	KeyID     string `json:"kid"`
	KeyType   string `json:"kty"`
	Algorithm string `json:"alg"`
	Use       string `json:"use"`
}

func parseKeySet(body []byte, fetchedAt time.Time) (*KeySet, error) {
	var raw struct {
		Keys []directoryEntry `json:"keys"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode key directory: %w", err)
	}
	if raw.Keys == nil {
		return nil, fmt.Errorf("decode key directory: missing keys")
	}

	parsed, err := keyfunc.NewJSON(body)
	if err != nil {
		return nil, fmt.Errorf("parse key directory: %w", err)
	}
	material := parsed.ReadOnlyKeys()

	set := &KeySet{
		Keys:      make([]SigningKey, 0, len(raw.Keys)),
		FetchedAt: fetchedAt,
	}
	for _, entry := range raw.Keys {
		// symmetric keys have no place in a public directory
		if entry.KeyID == "" || entry.KeyType == "oct" {
			continue
		}
		if entry.Use != "" && entry.Use != "sig" {
			continue
		}
		key, ok := material[entry.KeyID]
		if !ok {
			continue
		}
		set.Keys = append(set.Keys, SigningKey{
			KeyID:     entry.KeyID,
			KeyType:   entry.KeyType,
			Algorithm: entry.Algorithm,
			Use:       entry.Use,
			Key:       key,
		})
	}
	return set, nil
}

func fetchError(sentinel *errors.Error, cause error, url string, status int) *errors.Error {
	return lms.NewError(sentinel, cause, map[string]any{
		"provider": "auth0",
		"url":      url,
		"status":   status,
	})
}

func isRateLimited(err error) bool {
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		return false
	}
	status, _ := richErr.Metadata["status"].(int)
	return status == http.StatusTooManyRequests
}
