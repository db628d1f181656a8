package user

import (
	"context"

	"github.com/pkg/errors"
)

// Audience is the recipient group of an announcement.
type Audience string

const (
	AudienceAll      Audience = "all"
	AudienceStaff    Audience = "staff"
	AudienceParents  Audience = "parents"
	AudienceStudents Audience = "students"
	AudienceClasses  Audience = "classes"
)

func (a Audience) Valid() bool {
	switch a {
	case AudienceAll, AudienceStaff, AudienceParents, AudienceStudents, AudienceClasses:
		return true
	}
	return false
}

// TargetSpec describes who receives an announcement.
// ClassIDs is only used by AudienceClasses; IncludeParents adds the parents of the resolved students.
type TargetSpec struct {
	Audience       Audience `json:"audience" validate:"required,audience"`
	ClassIDs       []string `json:"class_ids" validate:"required_if=Audience classes,dive,required"`
	IncludeParents bool     `json:"include_parents"`
}

// ResolveTargets returns the active users matching spec, without duplicates.
func (svc *Service) ResolveTargets(ctx context.Context, spec TargetSpec) ([]User, error) {
	active := true
	filter := QueryFilter{IsActive: &active}

	switch spec.Audience {
	case AudienceAll:
	case AudienceStaff:
		filter.Types = StaffTypes
	case AudienceParents:
		filter.Types = []UserType{TypeParent}
	case AudienceStudents:
		filter.Types = []UserType{TypeStudent}
	case AudienceClasses:
		if len(spec.ClassIDs) == 0 {
			return []User{}, nil
		}
		filter.Types = []UserType{TypeStudent}
		filter.ClassIDs = spec.ClassIDs
	default:
		return nil, errors.Errorf("unknown audience %q", spec.Audience)
	}

	users, err := svc.repo.QueryUsers(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "querying target users")
	}

	if spec.IncludeParents && spec.Audience != AudienceAll && spec.Audience != AudienceParents {
		var studentIDs []string
		for _, u := range users {
			if u.Type == TypeStudent {
				studentIDs = append(studentIDs, u.ID)
			}
		}
		if len(studentIDs) > 0 {
			parents, err := svc.repo.QueryUsers(ctx, QueryFilter{
				Types:    []UserType{TypeParent},
				ChildIDs: studentIDs,
				IsActive: &active,
			})
			if err != nil {
				return nil, errors.Wrap(err, "querying target parents")
			}
			users = append(users, parents...)
		}
	}
	return dedupe(users), nil
}

func dedupe(users []User) []User {
	seen := make(map[Ref]struct{}, len(users))
	res := make([]User, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u.Ref()]; ok {
			continue
		}
		seen[u.Ref()] = struct{}{}
		res = append(res, u)
	}
	return res
}
