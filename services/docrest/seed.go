package docrest

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/docrest/core/access"
	"github.com/relabs-tech/docrest/core/filter"
)

// Account is an account created by Seed
type Account struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
	IsActive  bool   `json:"isActive"`
}

// DefaultAccounts are the accounts of a fresh installation
var DefaultAccounts = []Account{
	{
		Username:  "admin",
		Email:     "admin@admin.com",
		Password:  "adminadmin",
		FirstName: "Admin",
		LastName:  "Admin",
		Role:      access.RoleAdmin,
		IsActive:  true,
	},
	{
		Username:  "user",
		Email:     "user@user.com",
		Password:  "useruser",
		FirstName: "User",
		LastName:  "User",
		Role:      access.RoleUser,
		IsActive:  true,
	},
}

// Seed creates the accounts which do not exist yet. It returns the number of created accounts.
func (s *Service) Seed(ctx context.Context, accounts []Account) (int, error) {
	created := 0
	for _, account := range accounts {
		exists, err := s.Users.Users.Exists(ctx, filter.Predicate{{Field: "email", Op: filter.Eq, Value: account.Email}})
		if err != nil {
			return created, err
		}
		if exists {
			s.log.Infoln("account", account.Email, "exists already")
			continue
		}
		payload, err := json.Marshal(account)
		if err != nil {
			return created, err
		}
		if _, err := s.Users.Users.Create(ctx, payload); err != nil {
			return created, fmt.Errorf("cannot create account %s: %w", account.Email, err)
		}
		s.log.Infoln("created account", account.Email, "with role", account.Role)
		created++
	}
	return created, nil
}
