package lms

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
	"github.com/uptrace/bun"
)

// UpdateRoleRequest is the body of PUT /api/users/:id/role
type UpdateRoleRequest struct {
	Role string `json:"role"`
}

// Validate checks the requested role against the known roles
func (r UpdateRoleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Role, validation.Required, validation.In(rolesAsAny()...)),
	)
}

// UpdateRoleResponse is returned after a role change
type UpdateRoleResponse struct {
	Message string       `json:"message"`
	User    UserResponse `json:"user"`
}

// UsersController serves the user endpoints
type UsersController struct {
	Debug    bool
	Logger   Logger
	Repo     RepositoryManager
	Profiles ProfileSource
	Guard    *AccessGuard
	Activity ActivitySink
}

type UsersControllerOption func(*UsersController) *UsersController

// WithControllerLogger sets the controller logger
func WithControllerLogger(logger Logger) UsersControllerOption {
	return func(c *UsersController) *UsersController {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

// WithProfileSource enables GET /api/users/me/profile
func WithProfileSource(src ProfileSource) UsersControllerOption {
	return func(c *UsersController) *UsersController {
		c.Profiles = src
		return c
	}
}

// WithAccessGuard overrides the guard used for admin routes
func WithAccessGuard(guard *AccessGuard) UsersControllerOption {
	return func(c *UsersController) *UsersController {
		if guard != nil {
			c.Guard = guard
		}
		return c
	}
}

// WithControllerActivitySink receives an event for every role change
func WithControllerActivitySink(sink ActivitySink) UsersControllerOption {
	return func(c *UsersController) *UsersController {
		c.Activity = sink
		return c
	}
}

func NewUsersController(repo RepositoryManager, opts ...UsersControllerOption) *UsersController {
	c := &UsersController{
		Logger: defLogger{name: "lms.users_controller"},
		Repo:   repo,
	}

	for _, opt := range opts {
		if opt != nil {
			c = opt(c)
		}
	}

	if c.Guard == nil {
		c.Guard = NewAccessGuard(c.Logger)
	}

	return c
}

// RegisterUserRoutes mounts the controller. authn must populate the
// request context with the verified claims and resolved user.
func RegisterUserRoutes[T any](r router.Router[T], uc *UsersController, authn router.MiddlewareFunc) {
	r.Get("/healthz", uc.Healthz).SetName("healthz")

	api := r.Group("/api")
	api.Use(authn)
	api.Get("/users/me", uc.Me).SetName("users.me")
	api.Get("/users/me/profile", uc.Profile).SetName("users.me.profile")

	admin := uc.Guard.Middleware(RequireRoles(RoleAdmin))
	api.Get("/users", uc.List, admin).SetName("users.list")
	api.Put("/users/:id/role", uc.UpdateRole, admin).SetName("users.role.update")
	api.Get("/admin/stats", uc.AdminStats, admin).SetName("admin.stats")
}

func (uc *UsersController) Healthz(ctx router.Context) error {
	return ctx.JSON(router.StatusOK, map[string]any{"status": "ok"})
}

func (uc *UsersController) Me(ctx router.Context) error {
	user, ok := UserFromRequest(ctx)
	if !ok {
		return NewError(ErrMissingHeader, nil)
	}
	return ctx.JSON(router.StatusOK, user.ToResponse())
}

func (uc *UsersController) Profile(ctx router.Context) error {
	claims, ok := ClaimsFromRequest(ctx)
	if !ok {
		return NewError(ErrMissingHeader, nil)
	}

	if uc.Profiles == nil {
		return errors.New("Profile lookup is not configured", errors.CategoryNotFound).
			WithCode(errors.CodeNotFound).
			WithTextCode(TextCodeNoProfile)
	}

	profile, err := uc.Profiles.Profile(ctx.Context(), claims)
	if err != nil {
		return err
	}
	return ctx.JSON(router.StatusOK, profile)
}

func (uc *UsersController) List(ctx router.Context) error {
	records, _, err := uc.Repo.Users().List(ctx.Context())
	if err != nil {
		return err
	}

	out := make([]UserResponse, 0, len(records))
	for _, u := range records {
		out = append(out, u.ToResponse())
	}
	return ctx.JSON(router.StatusOK, out)
}

func (uc *UsersController) UpdateRole(ctx router.Context) error {
	id := ctx.Param("id")

	payload := UpdateRoleRequest{}
	if err := ctx.Bind(&payload); err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "Invalid request body").
			WithCode(errors.CodeBadRequest).
			WithTextCode(TextCodeBadRequest)
	}

	if verr := errors.ValidateWithOzzo(payload.Validate, "Invalid role"); verr != nil {
		out := NewError(ErrInvalidRole, verr, map[string]any{
			"role":  payload.Role,
			"valid": GetAllRoles(),
		})
		out.ValidationErrors = verr.ValidationErrors
		return out
	}

	role, _ := ParseRole(payload.Role)

	var previous, updated *User
	err := uc.Repo.RunInTx(ctx.Context(), nil, func(txCtx context.Context, tx bun.Tx) error {
		var txErr error
		if previous, txErr = uc.Repo.Users().GetByIDTx(txCtx, tx, id); txErr != nil {
			return txErr
		}
		updated, txErr = uc.Repo.Users().UpdateRoleTx(txCtx, tx, id, role)
		return txErr
	})
	if err != nil {
		return err
	}

	actorID := ""
	if actor, ok := UserFromRequest(ctx); ok {
		actorID = actor.ID.String()
	}
	uc.Logger.Info("user role updated", "actor", actorID, "user", updated.ID.String(), "from", previous.Role, "role", role)

	recordActivity(ctx.Context(), uc.Activity, uc.Logger, ActivityEvent{
		EventType: ActivityEventRoleChanged,
		ActorID:   actorID,
		UserID:    updated.ID.String(),
		FromRole:  previous.Role,
		ToRole:    updated.Role,
	})

	return ctx.JSON(router.StatusOK, UpdateRoleResponse{
		Message: "User role updated successfully",
		User:    updated.ToResponse(),
	})
}

func (uc *UsersController) AdminStats(ctx router.Context) error {
	stats, err := uc.Repo.Users().CountByRole(ctx.Context())
	if err != nil {
		return err
	}
	return ctx.JSON(router.StatusOK, stats)
}
