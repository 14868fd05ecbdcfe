package lms

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Users is the user store. It extends the generic repository with the
// lookups identity resolution and the admin endpoints need. Every
// operation has a Tx variant that runs on the given bun.IDB so callers can
// compose them inside RunInTx.
type Users interface {
	repository.Repository[*User]

	GetBySubject(ctx context.Context, subject string) (*User, error)
	GetBySubjectTx(ctx context.Context, tx bun.IDB, subject string) (*User, error)
	CountByRole(ctx context.Context) (RoleStats, error)
	CountByRoleTx(ctx context.Context, tx bun.IDB) (RoleStats, error)
	UpdateRole(ctx context.Context, id string, role UserRole) (*User, error)
	UpdateRoleTx(ctx context.Context, tx bun.IDB, id string, role UserRole) (*User, error)
}

type users struct {
	repository.Repository[*User]
	db  *bun.DB
	now func() time.Time
}

var (
	_ Users                        = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

type UsersOption func(*users)

// WithUsersClock overrides the clock used for timestamps
func WithUsersClock(now func() time.Time) UsersOption {
	return func(u *users) {
		if now != nil {
			u.now = now
		}
	}
}

func NewUsersRepository(db *bun.DB, opts ...UsersOption) Users {
	repo := repository.NewRepositoryWithConfig[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "subject"
		},
		GetIdentifierValue: func(u *User) string {
			if u == nil {
				return ""
			}
			return u.Subject
		},
	}, nil)

	repoUsers := &users{
		Repository: repo,
		db:         db,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repoUsers)
		}
	}
	return repoUsers
}

func (a *users) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (*User, error) {
	return a.GetByIDTx(ctx, a.db, id, criteria...)
}

// GetByIDTx fails with ErrUserNotFound for ids that are not UUIDs so
// Postgres never sees a malformed uuid literal.
func (a *users) GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (*User, error) {
	meta := map[string]any{"id": id}
	if _, err := uuid.Parse(id); err != nil {
		return nil, NewError(ErrUserNotFound, err, withOperation(meta, "get_by_id"))
	}

	record, err := a.Repository.GetByIDTx(ctx, tx, id, criteria...)
	if err != nil {
		return nil, storageError(err, "get_by_id", meta)
	}
	return record, nil
}

func (a *users) GetBySubject(ctx context.Context, subject string) (*User, error) {
	return a.GetBySubjectTx(ctx, a.db, subject)
}

func (a *users) GetBySubjectTx(ctx context.Context, tx bun.IDB, subject string) (*User, error) {
	record, err := a.Repository.GetTx(ctx, tx, repository.SelectBy("subject", "=", subject))
	if err != nil {
		return nil, storageError(err, "get_by_subject", map[string]any{"subject": subject})
	}
	return record, nil
}

func (a *users) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]*User, int, error) {
	return a.ListTx(ctx, a.db, criteria...)
}

// ListTx returns users ordered by creation time, email breaking ties.
// Extra criteria are applied after the default ordering.
func (a *users) ListTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) ([]*User, int, error) {
	criteria = append([]repository.SelectCriteria{
		repository.OrderBy("created_at ASC", "email ASC"),
	}, criteria...)

	records, total, err := a.Repository.ListTx(ctx, tx, criteria...)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return []*User{}, 0, nil
		}
		return nil, 0, storageError(err, "list", nil)
	}
	return records, total, nil
}

func (a *users) CountByRole(ctx context.Context) (RoleStats, error) {
	return a.CountByRoleTx(ctx, a.db)
}

func (a *users) CountByRoleTx(ctx context.Context, tx bun.IDB) (RoleStats, error) {
	var rows []struct {
		Role  string `bun:"role"`
		Count int    `bun:"count"`
	}

	err := tx.NewSelect().
		Model((*User)(nil)).
		Column("role").
		ColumnExpr("COUNT(*) AS count").
		Group("role").
		Scan(ctx, &rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return RoleStats{}, storageError(err, "count_by_role", nil)
	}

	stats := RoleStats{}
	for _, row := range rows {
		stats.TotalUsers += row.Count
		switch row.Role {
		case RoleAdmin:
			stats.Admins = row.Count
		case RoleTeacher:
			stats.Teachers = row.Count
		case RoleStudent:
			stats.Students = row.Count
		}
	}
	return stats, nil
}

func (a *users) Create(ctx context.Context, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

// CreateTx fills in the id, the student role and timestamps before
// inserting. A taken subject or email fails with ErrUserConflict.
func (a *users) CreateTx(ctx context.Context, tx bun.IDB, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	if record == nil {
		return nil, NewError(ErrPersistence, nil, map[string]any{"operation": "create"})
	}
	a.prepareUserDefaults(record)

	if !IsValidRole(record.Role) {
		return nil, NewError(ErrInvalidRole, nil, map[string]any{
			"role":  record.Role,
			"valid": GetAllRoles(),
		})
	}

	created, err := a.Repository.CreateTx(ctx, tx, record, criteria...)
	if err != nil {
		return nil, storageError(err, "create", map[string]any{
			"subject": record.Subject,
		})
	}
	return created, nil
}

func (a *users) UpdateRole(ctx context.Context, id string, role UserRole) (*User, error) {
	return a.UpdateRoleTx(ctx, a.db, id, role)
}

func (a *users) UpdateRoleTx(ctx context.Context, tx bun.IDB, id string, role UserRole) (*User, error) {
	if !IsValidRole(role) {
		return nil, NewError(ErrInvalidRole, nil, map[string]any{
			"role":  role,
			"valid": GetAllRoles(),
		})
	}

	record, err := a.GetByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	record.Role = role
	record.UpdatedAt = &now

	updated, err := a.Repository.UpdateTx(ctx, tx, record,
		repository.UpdateColumns("role", "updated_at"),
	)
	if err != nil {
		return nil, storageError(err, "update_role", map[string]any{"id": id})
	}
	return updated, nil
}

func (a *users) prepareUserDefaults(record *User) {
	if record.Role == "" {
		record.Role = RoleStudent
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	now := a.now().UTC()
	if record.CreatedAt == nil {
		record.CreatedAt = &now
	}
	if record.UpdatedAt == nil {
		record.UpdatedAt = &now
	}
}

func withOperation(meta map[string]any, op string) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["operation"] = op
	return meta
}

func storageError(err error, op string, meta map[string]any) error {
	meta = withOperation(meta, op)

	switch {
	case repository.IsRecordNotFound(err), errors.Is(err, sql.ErrNoRows):
		return NewError(ErrUserNotFound, err, meta)
	case repository.IsSQLExpectedCountViolation(err):
		return NewError(ErrUserNotFound, err, meta)
	case isUniqueViolation(err):
		return NewError(ErrUserConflict, err, meta)
	default:
		return NewError(ErrPersistence, err, meta)
	}
}

// isUniqueViolation covers the drivers the repository error mappers do not
// recognise: pgdriver and the pure Go sqlite build.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	if repository.IsDuplicatedKey(err) {
		return true
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}

	for ; err != nil; err = errors.Unwrap(err) {
		msg := err.Error()
		if strings.Contains(msg, "UNIQUE constraint failed") ||
			strings.Contains(msg, "duplicate key value violates unique constraint") {
			return true
		}
	}
	return false
}
