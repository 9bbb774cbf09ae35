// Package users provides the user resource, registration, login and the routes of the
// authenticated user
package users

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/access"
	"github.com/relabs-tech/docrest/core/backend"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/filter"
	"github.com/relabs-tech/docrest/core/kss"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/relabs-tech/docrest/core/metrics"
	"github.com/relabs-tech/docrest/core/resource"
	"github.com/relabs-tech/docrest/core/schema"
	"github.com/relabs-tech/docrest/core/store"
	"github.com/relabs-tech/docrest/schemas"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// User is a user account. Password is only accepted as input; it is stored as bcrypt hash
// and never returned.
type User struct {
	entity.Meta
	Username          string `json:"username"`
	Email             string `json:"email"`
	Password          string `json:"password,omitempty"`
	PasswordHash      string `json:"passwordHash,omitempty"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	ProfilePicture    string `json:"profilePicture,omitempty"`
	ProfilePictureKey string `json:"profilePictureKey,omitempty"`
	Role              string `json:"role"`
	IsActive          bool   `json:"isActive"`
}

// Validate checks the semantic constraints of a user
func (u *User) Validate() error {
	verr := &entity.ValidationError{}
	if strings.TrimSpace(u.Username) == "" {
		verr.Add("username", "is required")
	}
	if u.Email == "" {
		verr.Add("email", "is required")
	} else if _, err := mail.ParseAddress(u.Email); err != nil || len(u.Email) > 254 {
		verr.Add("email", "is not a valid email address")
	}
	if strings.TrimSpace(u.FirstName) == "" {
		verr.Add("firstName", "is required")
	}
	if strings.TrimSpace(u.LastName) == "" {
		verr.Add("lastName", "is required")
	}
	switch u.Role {
	case "", access.RoleUser, access.RoleAdmin:
	default:
		verr.Add("role", "must be one of user, admin")
	}
	if u.Password != "" {
		// bcrypt has a maximum password length of 72 bytes
		if len(u.Password) < MinPasswordLength || len(u.Password) > 72 {
			verr.Add("password", fmt.Sprintf("must have between %d and 72 characters", MinPasswordLength))
		}
	}
	return verr.OrNil()
}

// MinPasswordLength is the minimum length of a password
const MinPasswordLength = 6

// identicon returns the default profile picture for a user
func identicon(u *User) string {
	seed := u.Username
	if seed == "" {
		seed = u.Email
	}
	hash := md5.Sum([]byte(seed))
	return "https://identicons.github.com/" + hex.EncodeToString(hash[:]) + ".png"
}

// Service is the users service
type Service struct {
	Users      *resource.Controller[User, *User]
	backend    *backend.Backend
	tokens     *access.Tokens
	kss        kss.Driver
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	bcryptCost int
}

// Builder is a builder helper for the Service
type Builder struct {
	// Backend is the backend the routes are added to. This is mandatory.
	Backend *backend.Backend
	// Store is the document store. This is mandatory.
	Store store.Store
	// Tokens issues the tokens of logged in users. This is mandatory.
	Tokens *access.Tokens
	// KSS stores profile pictures. Uploads are rejected when it is nil.
	KSS       kss.Driver
	Validator *schema.Validator
	Notifier  core.Notifier
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger
	// BcryptCost defaults to bcrypt.DefaultCost
	BcryptCost int
	// StrictFilter rejects malformed filter pairs
	StrictFilter bool
}

// New creates the users resource and adds all user routes to the backend
func New(ctx context.Context, bb *Builder) (*Service, error) {
	if bb.Backend == nil || bb.Tokens == nil {
		return nil, errors.New("users: backend and tokens are mandatory")
	}
	s := &Service{
		backend:    bb.Backend,
		tokens:     bb.Tokens,
		kss:        bb.KSS,
		metrics:    bb.Metrics,
		log:        bb.Log,
		bcryptCost: bb.BcryptCost,
	}
	if s.metrics == nil {
		s.metrics = metrics.Discard()
	}
	if s.log == nil {
		s.log = bb.Backend.Log()
	}
	if s.bcryptCost == 0 {
		s.bcryptCost = bcrypt.DefaultCost
	}

	users, err := resource.New(ctx, resource.Definition[User, *User]{
		Name: "user",
		Queryable: filter.Fields{
			"username":  filter.KindString,
			"email":     filter.KindString,
			"firstName": filter.KindString,
			"lastName":  filter.KindString,
			"role":      filter.KindString,
			"isActive":  filter.KindBool,
		},
		SchemaID:     schemas.User,
		Immutable:    []string{"email"},
		Protected:    []string{"passwordHash", "profilePictureKey"},
		Unique:       []string{"email", "username"},
		BeforeCreate: s.beforeCreate,
		BeforeUpdate: s.beforeUpdate,
		AfterDelete:  s.afterDelete,
		Redact: func(u *User) {
			u.Password = ""
			u.PasswordHash = ""
			u.ProfilePictureKey = ""
		},
	}, resource.Options{
		Store:        bb.Store,
		Log:          s.log,
		Validator:    bb.Validator,
		Notifier:     bb.Notifier,
		Metrics:      s.metrics,
		StrictFilter: bb.StrictFilter,
	})
	if err != nil {
		return nil, err
	}
	s.Users = users

	backend.Handle(s.backend, users)
	s.handleRoutes()
	return s, nil
}

func (s *Service) beforeCreate(ctx context.Context, u *User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.Username = strings.TrimSpace(u.Username)
	if u.Password == "" {
		return entity.Invalid("password", "is required")
	}
	if u.Role == "" {
		u.Role = access.RoleUser
	}
	if u.ProfilePicture == "" {
		u.ProfilePicture = identicon(u)
	}
	if err := s.checkUnique(ctx, u, "email", u.Email); err != nil {
		return err
	}
	if err := s.checkUnique(ctx, u, "username", u.Username); err != nil {
		return err
	}
	return s.hashPassword(u)
}

func (s *Service) beforeUpdate(ctx context.Context, u *User, changes map[string]interface{}) error {
	if _, ok := changes["username"]; ok {
		u.Username = strings.TrimSpace(u.Username)
		if err := s.checkUnique(ctx, u, "username", u.Username); err != nil {
			return err
		}
	}
	if _, ok := changes["password"]; ok {
		return s.hashPassword(u)
	}
	return nil
}

// afterDelete removes the uploaded profile picture of a permanently deleted user
func (s *Service) afterDelete(ctx context.Context, u *User) {
	if u.ProfilePictureKey == "" || s.kss == nil {
		return
	}
	if err := s.kss.Delete(ctx, u.ProfilePictureKey); err != nil {
		logger.FromContext(ctx, s.log).WithError(err).Errorf("Error 4779: cannot delete profile picture %s", u.ProfilePictureKey)
	}
}

// checkUnique fails with a validation error if another user, also a removed one, has the same
// value for field
func (s *Service) checkUnique(ctx context.Context, u *User, field, value string) error {
	where := filter.Predicate{
		{Field: field, Op: filter.Eq, Value: value},
		{Field: entity.FieldID, Op: filter.Ne, Value: u.ID.String()},
	}
	exists, err := s.Users.Exists(ctx, where)
	if err != nil {
		return err
	}
	if exists {
		return entity.Invalid(field, field+" must be unique")
	}
	return nil
}

func (s *Service) hashPassword(u *User) error {
	if u.Password == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("cannot hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	u.Password = ""
	return nil
}

// Authenticate returns the active user with email and password
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.Users.Lookup(ctx, filter.Predicate{
		{Field: "email", Op: filter.Eq, Value: strings.ToLower(strings.TrimSpace(email))},
	})
	if errors.Is(err, resource.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrInactive
	}
	return user, nil
}

// the authentication errors
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInactive           = errors.New("account is not active")
)
