package lms_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-lms"
	"github.com/goliatone/go-lms/middleware/jwtware"
	"github.com/goliatone/go-lms/provider/auth0"
)

const integrationAudience = "https://api.lms.test"

type integrationEnv struct {
	app    *fiber.App
	repo   lms.RepositoryManager
	key    *rsa.PrivateKey
	issuer string
}

func newIntegrationEnv(t *testing.T) *integrationEnv {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     "integration-key",
		Algorithm: "RS256",
		Use:       "sig",
	}}})
	require.NoError(t, err)

	tenant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	t.Cleanup(tenant.Close)

	cfg := auth0.DefaultConfig("", integrationAudience)
	cfg.Issuer = tenant.URL + "/"
	cfg.HTTPClient = tenant.Client()

	keys, err := auth0.NewKeyDirectory(cfg)
	require.NoError(t, err)

	validator, err := auth0.NewTokenValidator(cfg, auth0.WithKeyDirectory(keys))
	require.NoError(t, err)

	store, err := lms.OpenStore(lms.DatabaseConfig{DSN: ":memory:"}, lms.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = lms.Migrate(context.Background(), store)
	require.NoError(t, err)

	repo := lms.NewRepositoryManager(store.DB())
	require.NoError(t, repo.Validate())

	guard := lms.NewAccessGuard(lms.NopLogger())
	resolver := lms.NewIdentityResolver(repo.Users(), lms.WithResolverLogger(lms.NopLogger()))

	srv := lms.NewHTTPServer(lms.NopLogger())
	lms.RegisterUserRoutes(srv.Router(),
		lms.NewUsersController(repo,
			lms.WithControllerLogger(lms.NopLogger()),
			lms.WithAccessGuard(guard),
		),
		jwtware.New(jwtware.Config{
			Verifier: validator,
			Resolver: resolver,
			Guard:    guard,
		}),
	)

	return &integrationEnv{
		app:    srv.WrappedRouter(),
		repo:   repo,
		key:    key,
		issuer: cfg.Issuer,
	}
}

func (e *integrationEnv) token(t *testing.T, subject, email string) string {
	t.Helper()

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   e.issuer,
		"sub":   subject,
		"aud":   []string{integrationAudience},
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": "read:courses",
	}
	if email != "" {
		claims["email"] = email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "integration-key"

	signed, err := token.SignedString(e.key)
	require.NoError(t, err)
	return signed
}

func (e *integrationEnv) do(t *testing.T, method, path, token, body string, out any) int {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *integrationEnv) countSubject(t *testing.T, subject string) int {
	t.Helper()

	users, _, err := e.repo.Users().List(context.Background())
	require.NoError(t, err)

	count := 0
	for _, u := range users {
		if u.Subject == subject {
			count++
		}
	}
	return count
}

func TestIntegration_RoleChangeGrantsAdminRoutes(t *testing.T) {
	env := newIntegrationEnv(t)
	ctx := context.Background()

	_, err := env.repo.Users().Create(ctx, &lms.User{
		Subject: "auth0|root",
		Email:   "root@example.com",
		Role:    lms.RoleAdmin,
	})
	require.NoError(t, err)

	student := env.token(t, "auth0|ada", "ada@example.com")
	admin := env.token(t, "auth0|root", "root@example.com")

	me := lms.UserResponse{}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/users/me", student, "", &me))
	assert.Equal(t, lms.RoleStudent, me.Role)
	assert.Equal(t, "ada@example.com", me.Email)

	denied := map[string]any{}
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/users", student, "", &denied))
	assert.Equal(t, "forbidden", denied["code"])

	updated := lms.UpdateRoleResponse{}
	path := "/api/users/" + me.ID.String() + "/role"
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, path, admin, `{"role":"admin"}`, &updated))
	assert.Equal(t, lms.RoleAdmin, updated.User.Role)

	var listed []lms.UserResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/users", student, "", &listed))
	assert.Len(t, listed, 2)
}

func TestIntegration_SecondLoginKeepsRecord(t *testing.T) {
	env := newIntegrationEnv(t)

	first := lms.UserResponse{}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/users/me", env.token(t, "auth0|ada", "ada@example.com"), "", &first))
	assert.Equal(t, lms.RoleStudent, first.Role)

	second := lms.UserResponse{}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/users/me", env.token(t, "auth0|ada", "ada@work.example.com"), "", &second))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, lms.RoleStudent, second.Role)
	assert.Equal(t, "ada@example.com", second.Email)
	assert.Equal(t, 1, env.countSubject(t, "auth0|ada"))
}

func TestIntegration_TokenWithoutEmailIsRejected(t *testing.T) {
	env := newIntegrationEnv(t)

	body := map[string]any{}
	status := env.do(t, http.MethodGet, "/api/users/me", env.token(t, "auth0|anonymous", ""), "", &body)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "email_required", body["code"])

	_, err := env.repo.Users().GetBySubject(context.Background(), "auth0|anonymous")
	assert.True(t, lms.HasTextCode(err, lms.TextCodeUserNotFound))
	assert.Equal(t, 0, env.countSubject(t, "auth0|anonymous"))
}
