package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/identity"
)

// Registration describes a new person.
type Registration struct {
	// StreamID is generated when empty. Passing the id of a failed
	// registration resumes it.
	StreamID string

	FirstName string
	LastName  string
	Email     string
	Phone     string
	Groups    []string
}

// Registered is the outcome of a successful registration.
type Registered struct {
	StreamID  string
	AccountID string
	Events    []cqrs.Event
}

// People runs compound operations on person streams.
type People struct {
	dispatcher  *cqrs.Dispatcher
	provisioner identity.Provisioner
	logger      cqrs.Logger
}

// PeopleOption configures People.
type PeopleOption func(*People)

// WithPeopleLogger sets the logger.
func WithPeopleLogger(logger cqrs.Logger) PeopleOption {
	return func(p *People) {
		p.logger = logger
	}
}

// NewPeople creates People. provisioner may be nil, in which case no
// account is created.
func NewPeople(dispatcher *cqrs.Dispatcher, provisioner identity.Provisioner, opts ...PeopleOption) *People {
	p := &People{
		dispatcher:  dispatcher,
		provisioner: provisioner,
		logger:      cqrs.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Steps returns the chain that records a registration: the person, their
// email, their phone number if any, and one step per group.
func (r Registration) Steps() []cqrs.Step {
	steps := []cqrs.Step{
		{Command: "add_person", Payload: cqrs.Fields{"first_name": r.FirstName, "last_name": r.LastName}},
		{Command: "add_email", Payload: cqrs.Fields{"email": r.Email}},
	}
	if r.Phone != "" {
		steps = append(steps, cqrs.Step{Command: "add_phone_number", Payload: cqrs.Fields{"phone_number": r.Phone}})
	}
	for _, g := range r.Groups {
		steps = append(steps, cqrs.Step{Command: "add_to_group", Payload: cqrs.Fields{"group": g}})
	}
	return steps
}

// DisplayName joins the first and last name.
func (r Registration) DisplayName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Register appends the registration events as one chain starting at seq 1,
// and only once every append has succeeded asks the provisioner for an
// account. A failed registration leaves the events appended so far; calling
// Register again with the same StreamID completes it.
func (p *People) Register(ctx context.Context, reg Registration) (*Registered, error) {
	if reg.StreamID == "" {
		reg.StreamID = uuid.New().String()
	}

	future, err := p.dispatcher.Chain(ctx, cqrs.ChainRequest{
		Aggregate: Person,
		StreamID:  reg.StreamID,
		StartSeq:  1,
		Steps:     reg.Steps(),
		Resume:    true,
	})
	if err != nil {
		return nil, err
	}

	events, err := future.Wait(ctx)
	result := &Registered{StreamID: reg.StreamID, Events: events}
	if err != nil {
		p.logger.Warn("Registration incomplete",
			"stream", reg.StreamID,
			"appended", len(events),
			"error", err,
		)
		return result, err
	}

	if p.provisioner == nil {
		return result, nil
	}

	accountID, err := p.provisioner.CreateAccount(ctx, identity.Account{
		Email:       reg.Email,
		DisplayName: reg.DisplayName(),
		Phone:       reg.Phone,
		ExternalID:  reg.StreamID,
	})
	if err != nil {
		return result, fmt.Errorf("domain: person %s recorded but account not created: %w", reg.StreamID, err)
	}
	result.AccountID = accountID

	p.logger.Info("Person registered",
		"stream", reg.StreamID,
		"account", accountID,
		"events", len(events),
	)
	return result, nil
}
