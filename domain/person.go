package domain

import (
	"strings"

	"github.com/access-news/cqrs"
)

// Person event names.
const (
	PersonAdded        = "person_added"
	PersonNameChanged  = "person_name_changed"
	EmailAdded         = "email_added"
	EmailUpdated       = "email_updated"
	EmailDeleted       = "email_deleted"
	PhoneNumberAdded   = "phone_number_added"
	PhoneNumberUpdated = "phone_number_updated"
	PhoneNumberDeleted = "phone_number_deleted"
	AddedToGroup       = "added_to_group"
	RemovedFromGroup   = "removed_from_group"
)

// Person state attributes.
const (
	AttrName         = "name"
	AttrEmails       = "emails"
	AttrPhoneNumbers = "phone_numbers"
	AttrGroups       = "groups"
)

// Groups a person can belong to.
const (
	GroupAdmins    = "admins"
	GroupListeners = "listeners"
	GroupReaders   = "readers"
)

// AllGroups lists the valid group names.
var AllGroups = []string{GroupAdmins, GroupListeners, GroupReaders}

func registerPersonCommands(reg *cqrs.Registry) {
	validGroup := cqrs.OneOf("group", AllGroups...)
	emails := normalize(strings.ToLower, "email", "from", "to")
	phones := normalize(stripSpaces, "phone_number", "from", "to")

	reg.Register(Person, "add_person", cqrs.CommandDefinition{
		EventName:      PersonAdded,
		RequiredFields: []string{"first_name", "last_name"},
	})
	reg.Register(Person, "change_person_name", cqrs.CommandDefinition{
		EventName:      PersonNameChanged,
		RequiredFields: []string{"first_name", "last_name", "reason"},
	})

	reg.Register(Person, "add_email", cqrs.CommandDefinition{
		EventName:      EmailAdded,
		RequiredFields: []string{"email"},
		Constraint:     cqrs.NonBlank("email"),
		Transform:      emails,
	})
	reg.Register(Person, "update_email", cqrs.CommandDefinition{
		EventName:      EmailUpdated,
		RequiredFields: []string{"from", "to", "reason"},
		Constraint:     cqrs.NonBlank("from", "to"),
		Transform:      emails,
	})
	reg.Register(Person, "delete_email", cqrs.CommandDefinition{
		EventName:      EmailDeleted,
		RequiredFields: []string{"email", "reason"},
		Constraint:     cqrs.NonBlank("email"),
		Transform:      emails,
	})

	reg.Register(Person, "add_phone_number", cqrs.CommandDefinition{
		EventName:      PhoneNumberAdded,
		RequiredFields: []string{"phone_number"},
		Constraint:     cqrs.NonBlank("phone_number"),
		Transform:      phones,
	})
	reg.Register(Person, "update_phone_number", cqrs.CommandDefinition{
		EventName:      PhoneNumberUpdated,
		RequiredFields: []string{"from", "to", "reason"},
		Constraint:     cqrs.NonBlank("from", "to"),
		Transform:      phones,
	})
	reg.Register(Person, "delete_phone_number", cqrs.CommandDefinition{
		EventName:      PhoneNumberDeleted,
		RequiredFields: []string{"phone_number", "reason"},
		Constraint:     cqrs.NonBlank("phone_number"),
		Transform:      phones,
	})

	reg.Register(Person, "add_to_group", cqrs.CommandDefinition{
		EventName:      AddedToGroup,
		RequiredFields: []string{"group"},
		Constraint:     validGroup,
	})
	reg.Register(Person, "remove_from_group", cqrs.CommandDefinition{
		EventName:      RemovedFromGroup,
		RequiredFields: []string{"group", "reason"},
		Constraint:     validGroup,
	})
}

func personHandlers() cqrs.HandlerTable {
	return cqrs.HandlerTable{
		PersonAdded:       cqrs.ScalarOverwrite(AttrName, "reason"),
		PersonNameChanged: cqrs.ScalarOverwrite(AttrName, "reason"),

		EmailAdded:   cqrs.MultiValued(AttrEmails, cqrs.SetAdd, cqrs.MarkEventID),
		EmailUpdated: cqrs.MultiValued(AttrEmails, cqrs.SetUpdate, cqrs.MarkEventID),
		EmailDeleted: cqrs.MultiValued(AttrEmails, cqrs.SetDelete, cqrs.MarkEventID),

		PhoneNumberAdded:   cqrs.MultiValued(AttrPhoneNumbers, cqrs.SetAdd, cqrs.MarkEventID),
		PhoneNumberUpdated: cqrs.MultiValued(AttrPhoneNumbers, cqrs.SetUpdate, cqrs.MarkEventID),
		PhoneNumberDeleted: cqrs.MultiValued(AttrPhoneNumbers, cqrs.SetDelete, cqrs.MarkEventID),

		AddedToGroup:     cqrs.MultiValued(AttrGroups, cqrs.SetAdd, cqrs.MarkTrue),
		RemovedFromGroup: cqrs.MultiValued(AttrGroups, cqrs.SetDelete, cqrs.MarkTrue),
	}
}

// normalize applies fn to the named string fields that are present.
func normalize(fn func(string) string, names ...string) cqrs.Transform {
	return func(fields cqrs.Fields) cqrs.Fields {
		out := fields.Copy()
		for _, name := range names {
			if s, ok := out[name].(string); ok {
				out[name] = fn(strings.TrimSpace(s))
			}
		}
		return out
	}
}

func stripSpaces(s string) string {
	return strings.Join(strings.Fields(s), "")
}
