package user

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
)

var (
	ErrNotFound   = errors.Wrap(core.ErrNotFound, "user")
	ErrUserExists = errors.New("user already exists")
)

type (
	// Repository is the read side of the school directory, plus the inserts the admin CLI needs.
	Repository interface {
		CreateUser(ctx context.Context, usr User) (User, error)
		GetUser(ctx context.Context, ref Ref) (User, error)
		QueryUsers(ctx context.Context, filter QueryFilter) ([]User, error)
	}

	// Directory resolves users & announcement targets.
	Directory interface {
		GetUser(ctx context.Context, ref Ref) (User, error)
		ResolveTargets(ctx context.Context, spec TargetSpec) ([]User, error)
	}

	Service struct {
		repo Repository
	}
)

var _ Directory = (*Service)(nil)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewUser contains information needed to register a user in the directory.
type NewUser struct {
	ID       string   `json:"id"`
	Type     UserType `json:"type" validate:"required,usertype"`
	Name     string   `json:"name" validate:"required,notblank"`
	Email    string   `json:"email" validate:"omitempty,email"`
	ClassIDs []string `json:"class_ids"`
	ChildIDs []string `json:"child_ids"`
}

func (nu *NewUser) Validate(validate *validator.Validate) error {
	nu.ID = core.CleanString(nu.ID)
	nu.Name = core.CleanString(nu.Name)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	return validate.Struct(nu)
}

func (svc *Service) Create(ctx context.Context, nu NewUser) (User, error) {
	usr := User{
		ID:        nu.ID,
		Type:      nu.Type,
		Name:      nu.Name,
		Email:     nu.Email,
		IsActive:  true,
		ClassIDs:  nu.ClassIDs,
		ChildIDs:  nu.ChildIDs,
		CreatedAt: time.Now().UTC(),
	}
	if usr.ID == "" {
		usr.ID = uuid.New().String()
	}
	return svc.repo.CreateUser(ctx, usr)
}

func (svc *Service) GetUser(ctx context.Context, ref Ref) (User, error) {
	return svc.repo.GetUser(ctx, ref)
}

func (svc *Service) Query(ctx context.Context, filter QueryFilter) ([]User, error) {
	return svc.repo.QueryUsers(ctx, filter)
}
