package user

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// UserType is the closed set of portal account types.
type UserType string

const (
	TypeAdmin   UserType = "admin"
	TypeTeacher UserType = "teacher"
	TypeStaff   UserType = "staff"
	TypeStudent UserType = "student"
	TypeParent  UserType = "parent"
)

var (
	AllTypes   = []UserType{TypeAdmin, TypeTeacher, TypeStaff, TypeStudent, TypeParent}
	StaffTypes = []UserType{TypeAdmin, TypeTeacher, TypeStaff}

	ErrUnknownType = errors.New("unknown user type")
)

func ParseType(s string) (UserType, error) {
	ut := UserType(strings.ToLower(strings.TrimSpace(s)))
	if ut.Valid() {
		return ut, nil
	}
	return "", errors.Wrapf(ErrUnknownType, "%q", s)
}

func (ut UserType) Valid() bool {
	for _, t := range AllTypes {
		if ut == t {
			return true
		}
	}
	return false
}

func (ut UserType) IsStaff() bool {
	for _, t := range StaffTypes {
		if ut == t {
			return true
		}
	}
	return false
}

// Ref identifies a user across types: ids are only unique per type.
type Ref struct {
	ID   string   `json:"user_id" validate:"required"`
	Type UserType `json:"user_type" validate:"required,usertype"`
}

func (r Ref) String() string { return string(r.Type) + ":" + r.ID }

// Identity is the authenticated caller, resolved once at the request boundary.
type Identity struct {
	UserID      string   `json:"user_id"`
	UserType    UserType `json:"user_type"`
	DisplayName string   `json:"display_name"`
}

func (id Identity) Ref() Ref { return Ref{ID: id.UserID, Type: id.UserType} }

func (id Identity) Capabilities() Capabilities { return CapabilitiesOf(id.UserType) }

type User struct {
	ID        string    `json:"id"`
	Type      UserType  `json:"type"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	ClassIDs  []string  `json:"class_ids"`  // students & teachers
	ChildIDs  []string  `json:"child_ids"`  // parents: student ids
	CreatedAt time.Time `json:"created_at"` // UTC
}

func (u User) Ref() Ref { return Ref{ID: u.ID, Type: u.Type} }

func (u User) Identity() Identity {
	return Identity{UserID: u.ID, UserType: u.Type, DisplayName: u.Name}
}

func (u User) InAnyClass(classIDs []string) bool {
	for _, cid := range u.ClassIDs {
		for _, want := range classIDs {
			if cid == want {
				return true
			}
		}
	}
	return false
}

// QueryFilter applies AND operation on its set fields.
type QueryFilter struct {
	Types    []UserType
	ClassIDs []string // users in any of these classes
	ChildIDs []string // parents of any of these students
	IsActive *bool
}
