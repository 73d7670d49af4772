package demo

import (
	"context"
	"errors"

	"github.com/fjogeleit/event-store/core/es"
)

const (
	UserListProjection  = "user_list"
	UserTableProjection = "user_table"
)

type UserEntry struct {
	Name     string `json:"name"`
	Comments int    `json:"comments"`
}

// UserList counts live comments per registered user.
type UserList struct {
	Users map[string]UserEntry `json:"users"`
	// Authors maps comment id to user id.
	Authors map[string]string `json:"authors"`
}

func newUserList() UserList {
	return UserList{Users: map[string]UserEntry{}, Authors: map[string]string{}}
}

func (l UserList) addComments(userID string, delta int) UserList {
	if u, ok := l.Users[userID]; ok {
		u.Comments += delta
		l.Users[userID] = u
	}
	return l
}

func configureUserList(p *es.Projector[UserList]) error {
	h := es.Handlers[UserList]{}
	es.On(h, func(_ context.Context, s UserList, e UserWasRegistered, ev es.Event) (UserList, error) {
		s.Users[ev.AggregateID()] = UserEntry{Name: e.Name}
		return s, nil
	})
	es.On(h, func(_ context.Context, s UserList, e UserNameWasUpdated, ev es.Event) (UserList, error) {
		u := s.Users[ev.AggregateID()]
		u.Name = e.Name
		s.Users[ev.AggregateID()] = u
		return s, nil
	})
	es.On(h, func(_ context.Context, s UserList, e CommentWasWritten, ev es.Event) (UserList, error) {
		s.Authors[ev.AggregateID()] = e.UserID
		return s.addComments(e.UserID, 1), nil
	})
	es.On(h, func(_ context.Context, s UserList, _ CommentWasDeleted, ev es.Event) (UserList, error) {
		author, ok := s.Authors[ev.AggregateID()]
		if !ok {
			return s, nil
		}
		delete(s.Authors, ev.AggregateID())
		return s.addComments(author, -1), nil
	})

	return errors.Join(
		p.Init(newUserList),
		p.FromStreams(es.Stream{Name: UsersStream}, es.Stream{Name: CommentsStream}),
		p.When(h),
	)
}

// UserTable tracks how many rows the read model received.
type UserTable struct {
	Rows int `json:"rows"`
}

func configureUserTable(p *es.ReadModelProjector[UserTable]) error {
	h := es.Handlers[UserTable]{}
	es.On(h, func(_ context.Context, s UserTable, e UserWasRegistered, ev es.Event) (UserTable, error) {
		s.Rows++
		return s, p.ReadModel().Stack(es.OpInsert, ev.AggregateID(), es.Row{"name": e.Name, "email": e.Email})
	})
	es.On(h, func(_ context.Context, s UserTable, e UserNameWasUpdated, ev es.Event) (UserTable, error) {
		return s, p.ReadModel().Stack(es.OpUpdate, ev.AggregateID(), es.Row{"name": e.Name})
	})

	return errors.Join(
		p.Init(func() UserTable { return UserTable{} }),
		p.FromStream(es.Stream{Name: UsersStream}),
		p.When(h),
	)
}

// Register adds the demo aggregates and projections to reg. The user_table
// projection writes to rm.
func Register(reg *es.Registry, rm es.ReadModel, opts ...es.ProjectorOption) {
	es.RegisterAggregate(reg, UserType)
	es.RegisterAggregate(reg, CommentType)
	es.RegisterProjection(reg, UserListProjection, configureUserList, opts...)
	es.RegisterReadModelProjection(reg, UserTableProjection, rm, configureUserTable, opts...)
}

// Service runs the demo commands against a store.
type Service struct {
	users    *es.Repository[*User]
	comments *es.Repository[*Comment]
}

func NewService(store *es.EventStore) *Service {
	return &Service{
		users:    es.CreateRepository(store, UsersStream, UserType),
		comments: es.CreateRepository(store, CommentsStream, CommentType),
	}
}

// Setup creates the demo streams unless they exist.
func Setup(ctx context.Context, store *es.EventStore) error {
	for _, s := range []string{UsersStream, CommentsStream} {
		ok, err := store.HasStream(ctx, s)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := store.CreateStream(ctx, s); err != nil && !errors.Is(err, es.ErrStreamAlreadyExists) {
			return err
		}
	}
	return nil
}

func (s *Service) RegisterUser(ctx context.Context, id, name, email string) error {
	u, err := s.users.GetOrCreate(ctx, id)
	if err != nil {
		return err
	}
	if err := u.Register(name, email); err != nil {
		return err
	}
	return s.users.Save(ctx, u)
}

func (s *Service) RenameUser(ctx context.Context, id, name string) error {
	u, err := s.users.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := u.Rename(name); err != nil {
		return err
	}
	return s.users.Save(ctx, u)
}

func (s *Service) WriteComment(ctx context.Context, id, userID, text string) error {
	if _, err := s.users.Get(ctx, userID); err != nil {
		return err
	}
	c := CommentType.New(id)
	if err := c.Write(userID, text); err != nil {
		return err
	}
	return s.comments.Save(ctx, c)
}

func (s *Service) DeleteComment(ctx context.Context, id string) error {
	c, err := s.comments.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Delete(); err != nil {
		return err
	}
	return s.comments.Save(ctx, c)
}
