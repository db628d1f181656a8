package sqlxrepos

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core/user"
)

const pqUniqueViolation = "23505"

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *sqlx.DB) *userRepository {
	return &userRepository{db: db}
}

var userColumns = []string{"id", "type", "name", "email", "is_active", "class_ids", "child_ids", "created_at"}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	q, args, err := psql.Insert("users").
		Columns(userColumns...).
		Values(
			usr.ID, usr.Type, usr.Name, nullString(usr.Email), usr.IsActive,
			pq.Array(nonNil(usr.ClassIDs)), pq.Array(nonNil(usr.ChildIDs)), usr.CreatedAt,
		).
		ToSql()
	if err != nil {
		return user.User{}, errors.Wrap(err, "building query")
	}

	if _, err = repo.db.ExecContext(ctx, q, args...); err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return user.User{}, user.ErrUserExists
		}
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo *userRepository) GetUser(ctx context.Context, ref user.Ref) (user.User, error) {
	q, args, err := psql.Select(userColumns...).From("users").
		Where(sq.Eq{"type": ref.Type, "id": ref.ID}).
		ToSql()
	if err != nil {
		return user.User{}, errors.Wrap(err, "building query")
	}

	var row userRow
	if err = repo.db.GetContext(ctx, &row, q, args...); err != nil {
		return user.User{}, trapNoRows(err, user.ErrNotFound)
	}
	return row.toUser(), nil
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter user.QueryFilter) ([]user.User, error) {
	b := psql.Select(userColumns...).From("users").OrderBy("type", "id")
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, ut := range filter.Types {
			types = append(types, string(ut))
		}
		b = b.Where(sq.Eq{"type": types})
	}
	// && is the array overlap operator
	if len(filter.ClassIDs) > 0 {
		b = b.Where("class_ids && ?", pq.Array(filter.ClassIDs))
	}
	if len(filter.ChildIDs) > 0 {
		b = b.Where("child_ids && ?", pq.Array(filter.ChildIDs))
	}
	if filter.IsActive != nil {
		b = b.Where(sq.Eq{"is_active": *filter.IsActive})
	}

	q, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}
	var rows []userRow
	if err = repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toUser())
	}
	return users, nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
