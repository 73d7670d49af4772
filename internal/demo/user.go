// Package demo is a small user and comment domain used by esctl and the
// end-to-end tests.
package demo

import (
	"errors"
	"fmt"
	"net/mail"

	"github.com/fjogeleit/event-store/core/es"
)

const (
	UsersStream    = "users"
	CommentsStream = "comments"
)

var (
	ErrUserExists     = errors.New("user already registered")
	ErrCommentDeleted = errors.New("comment was deleted")
)

// === Events ===

type UserWasRegistered struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (e UserWasRegistered) Validate() error {
	if e.Name == "" {
		return errors.New("name is required")
	}
	if _, err := mail.ParseAddress(e.Email); err != nil {
		return fmt.Errorf("invalid email %q: %w", e.Email, err)
	}
	return nil
}

type UserNameWasUpdated struct {
	Name string `json:"name"`
}

func (e UserNameWasUpdated) Validate() error {
	if e.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type CommentWasWritten struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (e CommentWasWritten) Validate() error {
	if e.UserID == "" || e.Text == "" {
		return errors.New("comment needs an author and a text")
	}
	return nil
}

type CommentWasDeleted struct{}

// === Aggregates ===

type User struct {
	es.AggregateRoot
	Name  string
	Email string
}

var UserType = es.NewAggregateType("user", func() *User { return &User{} },
	UserWasRegistered{},
	UserNameWasUpdated{},
)

func (u *User) Apply(payload any) error {
	switch e := payload.(type) {
	case UserWasRegistered:
		u.Name, u.Email = e.Name, e.Email
	case UserNameWasUpdated:
		u.Name = e.Name
	default:
		return fmt.Errorf("unexpected event %T", payload)
	}
	return nil
}

func (u *User) Register(name, email string) error {
	if u.Version() > 0 {
		return ErrUserExists
	}
	return es.RecordThat(u, UserWasRegistered{Name: name, Email: email})
}

func (u *User) Rename(name string) error {
	if name == u.Name {
		return nil
	}
	return es.RecordThat(u, UserNameWasUpdated{Name: name})
}

type Comment struct {
	es.AggregateRoot
	UserID  string
	Text    string
	Deleted bool
}

var CommentType = es.NewAggregateType("comment", func() *Comment { return &Comment{} },
	CommentWasWritten{},
	CommentWasDeleted{},
)

func (c *Comment) Apply(payload any) error {
	switch e := payload.(type) {
	case CommentWasWritten:
		c.UserID, c.Text = e.UserID, e.Text
	case CommentWasDeleted:
		c.Deleted = true
	default:
		return fmt.Errorf("unexpected event %T", payload)
	}
	return nil
}

func (c *Comment) Write(userID, text string) error {
	return es.RecordThat(c, CommentWasWritten{UserID: userID, Text: text})
}

func (c *Comment) Delete() error {
	if c.Deleted {
		return ErrCommentDeleted
	}
	return es.RecordThat(c, CommentWasDeleted{})
}
