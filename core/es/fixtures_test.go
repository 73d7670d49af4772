package es_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fjogeleit/event-store/core/es"
)

type UserWasRegistered struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (e UserWasRegistered) Validate() error {
	if e.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type UserNameWasUpdated struct {
	Name string `json:"name"`
}

type User struct {
	es.AggregateRoot
	Name  string
	Email string
}

func (u *User) Apply(payload any) error {
	switch e := payload.(type) {
	case UserWasRegistered:
		u.Name = e.Name
		u.Email = e.Email
	case UserNameWasUpdated:
		u.Name = e.Name
	}
	return nil
}

var userType = es.NewAggregateType("user", func() *User { return &User{} },
	UserWasRegistered{},
	UserNameWasUpdated{},
)

func registerUser(t testing.TB, id, name string) *User {
	t.Helper()
	u := userType.New(id)
	require.NoError(t, es.RecordThat(u, UserWasRegistered{Name: name, Email: name + "@example.com"}))
	return u
}

// seedUsers creates stream and saves n registered users u-1..u-n into it.
func seedUsers(t testing.TB, store *es.EventStore, stream string, n int) {
	t.Helper()
	ctx := t.Context()
	ok, err := store.HasStream(ctx, stream)
	require.NoError(t, err)
	if !ok {
		require.NoError(t, store.CreateStream(ctx, stream))
	}
	repo := es.CreateRepository(store, stream, userType)
	for i := 1; i <= n; i++ {
		require.NoError(t, repo.Save(ctx, registerUser(t, fmt.Sprintf("u-%d", i), fmt.Sprintf("user %d", i))))
	}
}

type userList struct {
	Names []string `json:"names"`
}

func configureUserList(stream string) func(p *es.Projector[userList]) error {
	return func(p *es.Projector[userList]) error {
		return errors.Join(
			p.Init(func() userList { return userList{Names: []string{}} }),
			p.FromStream(es.Stream{Name: stream}),
			p.When(es.On(es.Handlers[userList]{}, func(_ context.Context, s userList, e UserWasRegistered, _ es.Event) (userList, error) {
				s.Names = append(s.Names, e.Name)
				return s, nil
			})),
		)
	}
}
