// Package identity provisions login accounts for registered people.
package identity

import (
	"context"
	"errors"
	"fmt"
)

// Errors returned by provisioners.
var (
	// ErrAccountExists is returned when an account with the email already exists.
	ErrAccountExists = errors.New("identity: account already exists")

	// ErrInvalidAccount is returned when required account fields are missing.
	ErrInvalidAccount = errors.New("identity: invalid account")
)

// Account is the data needed to create a login.
type Account struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone,omitempty"`

	// ExternalID links the account to the person's stream id.
	ExternalID string `json:"external_id"`
}

// Validate checks that the account can be submitted.
func (a Account) Validate() error {
	if a.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidAccount)
	}
	if a.ExternalID == "" {
		return fmt.Errorf("%w: external id is required", ErrInvalidAccount)
	}
	return nil
}

// Provisioner creates accounts with an identity provider.
type Provisioner interface {
	// CreateAccount creates the account and returns the provider's account id.
	CreateAccount(ctx context.Context, account Account) (string, error)
}
