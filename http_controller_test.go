package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProfileSource struct {
	profile Profile
	err     error
}

func (s stubProfileSource) Profile(context.Context, *Claims) (Profile, error) {
	return s.profile, s.err
}

type controllerFixture struct {
	app      *fiber.App
	repo     RepositoryManager
	admin    *User
	teacher  *User
	student  *User
	activity *activityRecorder
}

// testAuthn stands in for the token middleware. The caller subject comes
// from the X-Test-Subject header.
func testAuthn(users Users) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			subject := c.Header("X-Test-Subject")
			if subject == "" {
				return NewError(ErrMissingHeader, nil)
			}

			claims := &Claims{Subject: subject, RawToken: "token-" + subject}
			user, err := users.GetBySubject(c.Context(), subject)
			if err != nil {
				return err
			}

			c.SetContext(WithContext(WithClaimsContext(c.Context(), claims), user))
			return c.Next()
		}
	}
}

func newControllerFixture(t *testing.T, opts ...UsersControllerOption) *controllerFixture {
	t.Helper()

	repo, _ := newTestRepo(t)
	f := &controllerFixture{
		repo:     repo,
		activity: &activityRecorder{},
	}
	f.admin = seedUser(t, repo.Users(), "auth0|admin", "admin@example.com", RoleAdmin)
	f.teacher = seedUser(t, repo.Users(), "auth0|teacher", "teacher@example.com", RoleTeacher)
	f.student = seedUser(t, repo.Users(), "auth0|student", "student@example.com", RoleStudent)

	opts = append([]UsersControllerOption{
		WithControllerLogger(NopLogger()),
		WithControllerActivitySink(f.activity),
	}, opts...)

	srv := NewHTTPServer(NopLogger())
	RegisterUserRoutes(srv.Router(), NewUsersController(repo, opts...), testAuthn(repo.Users()))
	f.app = srv.WrappedRouter()
	return f
}

func (f *controllerFixture) request(method, path, subject, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if subject != "" {
		req.Header.Set("X-Test-Subject", subject)
	}
	return req
}

func TestUsersController_Healthz(t *testing.T) {
	f := newControllerFixture(t)

	status, body := doJSON(t, f.app, f.request(http.MethodGet, "/healthz", "", ""))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestUsersController_Me(t *testing.T) {
	f := newControllerFixture(t)

	status, body := doJSON(t, f.app, f.request(http.MethodGet, "/api/users/me", "auth0|student", ""))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, f.student.ID.String(), body["id"])
	assert.Equal(t, "student@example.com", body["email"])
	assert.Equal(t, "student", body["role"])
	assert.NotContains(t, body, "subject")

	status, body = doJSON(t, f.app, f.request(http.MethodGet, "/api/users/me", "", ""))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "authorization_header_missing", body["code"])
}

func TestUsersController_ListRequiresAdmin(t *testing.T) {
	f := newControllerFixture(t)

	for _, subject := range []string{"auth0|student", "auth0|teacher"} {
		status, body := doJSON(t, f.app, f.request(http.MethodGet, "/api/admin/stats", subject, ""))
		assert.Equal(t, http.StatusForbidden, status, subject)
		assert.Equal(t, "forbidden", body["code"])

		req := f.request(http.MethodGet, "/api/users", subject, "")
		resp, err := f.app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, subject)
	}

	resp, err := f.app.Test(f.request(http.MethodGet, "/api/users", "auth0|admin", ""))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var users []UserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	require.Len(t, users, 3)
	assert.Equal(t, f.admin.ID, users[0].ID)
	assert.Equal(t, "admin@example.com", users[0].Email)
}

func TestUsersController_AdminStats(t *testing.T) {
	f := newControllerFixture(t)

	status, body := doJSON(t, f.app, f.request(http.MethodGet, "/api/admin/stats", "auth0|admin", ""))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["totalUsers"])
	assert.Equal(t, float64(1), body["admins"])
	assert.Equal(t, float64(1), body["teachers"])
	assert.Equal(t, float64(1), body["students"])
}

func TestUsersController_UpdateRole(t *testing.T) {
	f := newControllerFixture(t)
	path := "/api/users/" + f.student.ID.String() + "/role"

	status, body := doJSON(t, f.app, f.request(http.MethodPut, path, "auth0|admin", `{"role":"teacher"}`))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "User role updated successfully", body["message"])

	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, f.student.ID.String(), user["id"])
	assert.Equal(t, "teacher", user["role"])

	stored, err := f.repo.Users().GetByID(context.Background(), f.student.ID.String())
	require.NoError(t, err)
	assert.Equal(t, RoleTeacher, stored.Role)

	events := f.activity.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ActivityEventRoleChanged, events[0].EventType)
	assert.Equal(t, f.admin.ID.String(), events[0].ActorID)
	assert.Equal(t, f.student.ID.String(), events[0].UserID)
	assert.Equal(t, RoleStudent, events[0].FromRole)
	assert.Equal(t, RoleTeacher, events[0].ToRole)
}

func TestUsersController_UpdateRoleErrors(t *testing.T) {
	f := newControllerFixture(t)
	studentPath := "/api/users/" + f.student.ID.String() + "/role"

	tests := []struct {
		name    string
		subject string
		path    string
		body    string
		status  int
		code    string
	}{
		{name: "invalid role", subject: "auth0|admin", path: studentPath, body: `{"role":"superuser"}`, status: http.StatusBadRequest, code: "invalid_role"},
		{name: "missing role", subject: "auth0|admin", path: studentPath, body: `{}`, status: http.StatusBadRequest, code: "invalid_role"},
		{name: "malformed body", subject: "auth0|admin", path: studentPath, body: `{"role":`, status: http.StatusBadRequest, code: "bad_request"},
		{name: "malformed id", subject: "auth0|admin", path: "/api/users/not-a-uuid/role", body: `{"role":"admin"}`, status: http.StatusNotFound, code: "user_not_found"},
		{name: "unknown id", subject: "auth0|admin", path: "/api/users/5f0c8c1e-3f52-4d43-9a7e-2f6f0e0b6a11/role", body: `{"role":"admin"}`, status: http.StatusNotFound, code: "user_not_found"},
		{name: "not an admin", subject: "auth0|teacher", path: studentPath, body: `{"role":"admin"}`, status: http.StatusForbidden, code: "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, f.app, f.request(http.MethodPut, tt.path, tt.subject, tt.body))
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["code"])
		})
	}

	stored, err := f.repo.Users().GetByID(context.Background(), f.student.ID.String())
	require.NoError(t, err)
	assert.Equal(t, RoleStudent, stored.Role)
	assert.Empty(t, f.activity.Events())
}

func TestUsersController_Profile(t *testing.T) {
	f := newControllerFixture(t)

	status, body := doJSON(t, f.app, f.request(http.MethodGet, "/api/users/me/profile", "auth0|student", ""))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "profile_unavailable", body["code"])

	f = newControllerFixture(t, WithProfileSource(stubProfileSource{
		profile: Profile{"sub": "auth0|student", "email": "student@example.com", "name": "Ada"},
	}))

	status, body = doJSON(t, f.app, f.request(http.MethodGet, "/api/users/me/profile", "auth0|student", ""))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Ada", body["name"])

	f = newControllerFixture(t, WithProfileSource(stubProfileSource{
		err: NewError(ErrUserInfoRateLimit, nil),
	}))

	status, body = doJSON(t, f.app, f.request(http.MethodGet, "/api/users/me/profile", "auth0|student", ""))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limit", body["code"])
}

func TestUpdateRoleRequest_Validate(t *testing.T) {
	assert.NoError(t, UpdateRoleRequest{Role: "admin"}.Validate())
	assert.Error(t, UpdateRoleRequest{Role: ""}.Validate())
	assert.Error(t, UpdateRoleRequest{Role: "Admin"}.Validate())
	assert.True(t, strings.Contains(UpdateRoleRequest{Role: "root"}.Validate().Error(), "role"))
}
