package auth0

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testAudience = "https://api.lms.test"

type testKey struct {
	kid     string
	private *rsa.PrivateKey
}

func newTestKey(t *testing.T, kid string) testKey {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return testKey{kid: kid, private: privateKey}
}

func (k testKey) jwk() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &k.private.PublicKey,
		KeyID:     k.kid,
		Algorithm: "RS256",
		Use:       "sig",
	}
}

func encodeKeySet(t *testing.T, keys ...testKey) []byte {
	t.Helper()

	set := jose.JSONWebKeySet{}
	for _, k := range keys {
		set.Keys = append(set.Keys, k.jwk())
	}

	data, err := json.Marshal(set)
	require.NoError(t, err)
	return data
}

// fakeTenant serves the JWKS and userinfo endpoints of an Auth0 tenant
type fakeTenant struct {
	server *httptest.Server

	mu            sync.Mutex
	jwks          []byte
	jwksStatus    int
	jwksGate      chan struct{}
	profiles      map[string]map[string]any
	profileStatus int
	lastAuth      string

	jwksHits    atomic.Int64
	profileHits atomic.Int64
}

func newFakeTenant(t *testing.T, jwks []byte) *fakeTenant {
	t.Helper()

	tenant := &fakeTenant{
		jwks:          jwks,
		jwksStatus:    http.StatusOK,
		profileStatus: http.StatusOK,
		profiles:      map[string]map[string]any{},
	}

	tenant.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/jwks.json":
			tenant.serveJWKS(w)
		case "/userinfo":
			tenant.serveProfile(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(tenant.server.Close)

	return tenant
}

func (f *fakeTenant) serveJWKS(w http.ResponseWriter) {
	f.jwksHits.Add(1)

	f.mu.Lock()
	gate := f.jwksGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	status, body := f.jwksStatus, f.jwks
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = w.Write(body)
	}
}

func (f *fakeTenant) serveProfile(w http.ResponseWriter, r *http.Request) {
	f.profileHits.Add(1)

	f.mu.Lock()
	f.lastAuth = r.Header.Get("Authorization")
	status := f.profileStatus
	profile := f.profiles[f.lastAuth]
	f.mu.Unlock()

	if status == http.StatusOK && profile == nil {
		status = http.StatusUnauthorized
	}

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}
	w.WriteHeader(status)
	if status == http.StatusOK {
		_ = json.NewEncoder(w).Encode(profile)
	}
}

func (f *fakeTenant) issuer() string {
	return f.server.URL + "/"
}

func (f *fakeTenant) setKeys(jwks []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jwks = jwks
}

func (f *fakeTenant) setJWKSStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jwksStatus = status
}

func (f *fakeTenant) holdJWKS() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jwksGate = make(chan struct{})
	return f.jwksGate
}

func (f *fakeTenant) setProfile(token string, profile map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles["Bearer "+token] = profile
}

func (f *fakeTenant) setProfileStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileStatus = status
}

func (f *fakeTenant) authorization() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(tenant *fakeTenant, clock *fakeClock) Config {
	cfg := DefaultConfig("", testAudience)
	cfg.Issuer = tenant.issuer()
	cfg.Clock = clock.Now
	cfg.HTTPClient = tenant.server.Client()
	return cfg
}

func standardClaims(issuer string, now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "auth0|user-123",
		"aud":   []string{testAudience},
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"email": "student@example.com",
		"scope": "read:courses write:submissions",
	}
}

func signToken(t *testing.T, key testKey, claims jwt.Claims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if key.kid != "" {
		token.Header["kid"] = key.kid
	}

	signed, err := token.SignedString(key.private)
	require.NoError(t, err)

	return signed
}
