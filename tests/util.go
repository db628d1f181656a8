package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/realtime"
	"github.com/trezcool/masomo-messaging/core/user"
	"github.com/trezcool/masomo-messaging/services/logger"
	"github.com/trezcool/masomo-messaging/storage/database/inmem"
)

// Env is a messaging stack backed by the in-memory store.
type Env struct {
	DB       *inmemdb.DB
	UserRepo user.Repository
	UserSvc  *user.Service
	MsgRepo  messaging.Repository
	Hub      *realtime.Hub
	Versions *realtime.VersionCache
	Svc      *messaging.Service
	Now      time.Time
}

// NewEnv builds an Env whose clock moves one second forward on every read.
func NewEnv(t *testing.T, deps ...messaging.ServiceDeps) *Env {
	db := inmemdb.NewDB()
	env := &Env{
		DB:       db,
		UserRepo: inmemdb.NewUserRepository(db),
		MsgRepo:  inmemdb.NewMessagingRepository(db),
		Hub:      realtime.NewHub(),
		Versions: realtime.NewVersionCache(realtime.NewMemoryCache()),
		Now:      time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC),
	}
	env.UserSvc = user.NewService(env.UserRepo)

	d := messaging.ServiceDeps{}
	if len(deps) > 0 {
		d = deps[0]
	}
	d.Repo = env.MsgRepo
	d.Directory = env.UserSvc
	d.Publisher = env.Hub
	d.Versions = env.Versions
	if d.Logger == nil {
		d.Logger = logsvc.NewNopLogger()
	}
	env.Svc = messaging.NewService(d)
	env.Svc.SetNowFunc(func() time.Time {
		env.Now = env.Now.Add(time.Second)
		return env.Now
	})

	t.Cleanup(func() { _ = env.Hub.Close() })
	return env
}

// CreateUser inserts an active user in the directory.
func CreateUser(t *testing.T, repo user.Repository, ut user.UserType, id, name string, classIDs ...string) user.User {
	usr := user.User{
		ID:        id,
		Type:      ut,
		Name:      name,
		Email:     id + "@school.test",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if ut == user.TypeParent {
		usr.ChildIDs = classIDs
	} else {
		usr.ClassIDs = classIDs
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

// CreateInactiveUser inserts a deactivated user in the directory.
func CreateInactiveUser(t *testing.T, repo user.Repository, ut user.UserType, id, name string) user.User {
	usr, err := repo.CreateUser(context.Background(), user.User{ID: id, Type: ut, Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateInactiveUser() failed: %v", err)
	}
	return usr
}

// CreateConversation creates a conversation of kind between creator & members.
func CreateConversation(t *testing.T, svc *messaging.Service, kind messaging.Kind, creator user.User, members ...user.User) messaging.Conversation {
	refs := make([]user.Ref, 0, len(members))
	for _, m := range members {
		refs = append(refs, m.Ref())
	}
	conv, err := svc.CreateConversation(context.Background(), creator.Identity(), messaging.NewConversation{
		Title:        string(kind) + " conversation",
		Kind:         kind,
		Participants: refs,
	})
	if err != nil {
		t.Fatalf("CreateConversation() failed: %v", err)
	}
	return conv
}

// PostMessage posts a normal message.
func PostMessage(t *testing.T, svc *messaging.Service, sender user.User, convID int64, body string) messaging.Message {
	msg, err := svc.AddMessage(context.Background(), sender.Identity(), convID, messaging.NewMessage{Body: body})
	if err != nil {
		t.Fatalf("PostMessage() failed: %v", err)
	}
	return msg
}
