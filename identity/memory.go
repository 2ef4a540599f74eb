package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var _ Provisioner = (*MemoryProvisioner)(nil)

// MemoryProvisioner keeps accounts in memory. Used in tests and local runs.
type MemoryProvisioner struct {
	mu       sync.RWMutex
	accounts map[string]Account
	byEmail  map[string]string
}

// NewMemoryProvisioner creates an empty MemoryProvisioner.
func NewMemoryProvisioner() *MemoryProvisioner {
	return &MemoryProvisioner{
		accounts: make(map[string]Account),
		byEmail:  make(map[string]string),
	}
}

// CreateAccount stores the account under a new id.
func (p *MemoryProvisioner) CreateAccount(ctx context.Context, account Account) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := account.Validate(); err != nil {
		return "", err
	}

	email := strings.ToLower(account.Email)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byEmail[email]; ok {
		return "", ErrAccountExists
	}

	id := uuid.New().String()
	p.accounts[id] = account
	p.byEmail[email] = id
	return id, nil
}

// Account returns a stored account.
func (p *MemoryProvisioner) Account(id string) (Account, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[id]
	return a, ok
}

// Len returns the number of accounts.
func (p *MemoryProvisioner) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}
