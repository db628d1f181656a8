package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/masomo-messaging/core/user"
)

type userRepository struct {
	db *DB
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *DB) *userRepository {
	return &userRepository{db: db}
}

func (repo *userRepository) CreateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.usersMu.Lock()
	defer repo.db.usersMu.Unlock()

	if _, ok := repo.db.users[usr.Ref()]; ok {
		return user.User{}, user.ErrUserExists
	}
	repo.db.users[usr.Ref()] = usr
	return usr, nil
}

func (repo *userRepository) GetUser(_ context.Context, ref user.Ref) (user.User, error) {
	repo.db.usersMu.RLock()
	defer repo.db.usersMu.RUnlock()

	if usr, ok := repo.db.users[ref]; ok {
		return usr, nil
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) QueryUsers(_ context.Context, filter user.QueryFilter) ([]user.User, error) {
	repo.db.usersMu.RLock()
	defer repo.db.usersMu.RUnlock()

	users := make([]user.User, 0)
	for _, usr := range repo.db.users {
		if matchUser(usr, filter) {
			users = append(users, usr)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Type != users[j].Type {
			return users[i].Type < users[j].Type
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

func matchUser(usr user.User, filter user.QueryFilter) bool {
	if filter.IsActive != nil && usr.IsActive != *filter.IsActive {
		return false
	}
	if len(filter.Types) > 0 && !containsType(filter.Types, usr.Type) {
		return false
	}
	if len(filter.ClassIDs) > 0 && !usr.InAnyClass(filter.ClassIDs) {
		return false
	}
	if len(filter.ChildIDs) > 0 && !intersects(usr.ChildIDs, filter.ChildIDs) {
		return false
	}
	return true
}

func containsType(types []user.UserType, ut user.UserType) bool {
	for _, t := range types {
		if t == ut {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
