// Package views builds read-optimized directories from projected state:
// people with their contact details, group rosters, sessions by date and
// recordings by time and by publication.
package views

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/adapters"
	"github.com/access-news/cqrs/domain"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// PersonView is a person with desanitized contact details.
type PersonView struct {
	StreamID     string          `json:"stream_id"`
	FirstName    string          `json:"first_name"`
	LastName     string          `json:"last_name"`
	Emails       []string        `json:"emails"`
	PhoneNumbers []string        `json:"phone_numbers"`
	Groups       []string        `json:"groups"`
	Sessions     []SessionView   `json:"sessions,omitempty"`
	Recordings   []RecordingView `json:"recordings,omitempty"`
	Created      time.Time       `json:"created"`
	Updated      time.Time       `json:"updated"`
}

// SessionView is one listening session.
type SessionView struct {
	StreamID string `json:"stream_id"`
	UserID   string `json:"user_id"`
	Seconds  int64  `json:"seconds"`
	Date     string `json:"date"`
	Time     string `json:"time"`
}

// RecordingView is one recorded article.
type RecordingView struct {
	StreamID    string  `json:"stream_id"`
	UserID      string  `json:"user_id"`
	Publication string  `json:"publication"`
	Filename    string  `json:"filename"`
	Duration    float64 `json:"duration"`
	Date        string  `json:"date"`
	Time        string  `json:"time"`
}

// Directory is the full set of read models.
type Directory struct {
	People map[string]*PersonView `json:"people"`

	// Groups maps a group name to the stream ids of its members, sorted.
	Groups map[string][]string `json:"groups"`

	// Sessions maps a date to a time of day to the session updated then.
	Sessions map[string]map[string]SessionView `json:"sessions"`

	// RecordingsByTime maps a date to a time of day to a recording.
	RecordingsByTime map[string]map[string]RecordingView `json:"recordings_by_time"`

	// RecordingsByPublication maps a user to a publication to recordings
	// keyed by stream id.
	RecordingsByPublication map[string]map[string]map[string]RecordingView `json:"recordings_by_publication"`
}

func newDirectory() *Directory {
	groups := make(map[string][]string, len(domain.AllGroups))
	for _, g := range domain.AllGroups {
		groups[g] = []string{}
	}
	return &Directory{
		People:                  make(map[string]*PersonView),
		Groups:                  groups,
		Sessions:                make(map[string]map[string]SessionView),
		RecordingsByTime:        make(map[string]map[string]RecordingView),
		RecordingsByPublication: make(map[string]map[string]map[string]RecordingView),
	}
}

// Build reads every record from the State Store and builds the directory.
func Build(ctx context.Context, store adapters.StateStore, serializer cqrs.StateSerializer) (*Directory, error) {
	if serializer == nil {
		serializer = cqrs.NewJSONSerializer()
	}

	records, err := store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("views: failed to list state: %w", err)
	}

	states := make([]*cqrs.State, 0, len(records))
	for _, rec := range records {
		s, err := cqrs.DecodeState(serializer, rec)
		if err != nil {
			return nil, fmt.Errorf("views: %w", err)
		}
		states = append(states, s)
	}

	return FromStates(states)
}

// FromStates builds the directory from already decoded states. States of
// unknown aggregate types are an error.
func FromStates(states []*cqrs.State) (*Directory, error) {
	d := newDirectory()

	var sessions []SessionView
	var recordings []RecordingView

	for _, s := range states {
		switch s.Meta.Aggregate {
		case domain.Person:
			person := personView(s)
			d.People[s.StreamID] = person
			for _, g := range person.Groups {
				d.Groups[g] = append(d.Groups[g], s.StreamID)
			}

		case domain.Session:
			v := sessionView(s)
			sessions = append(sessions, v)
			day(d.Sessions, v.Date)[v.Time] = v

		case domain.Recording:
			v := recordingView(s)
			recordings = append(recordings, v)
			day(d.RecordingsByTime, v.Date)[v.Time] = v

			byUser, ok := d.RecordingsByPublication[v.UserID]
			if !ok {
				byUser = make(map[string]map[string]RecordingView)
				d.RecordingsByPublication[v.UserID] = byUser
			}
			byPub, ok := byUser[v.Publication]
			if !ok {
				byPub = make(map[string]RecordingView)
				byUser[v.Publication] = byPub
			}
			byPub[v.StreamID] = v

		default:
			return nil, fmt.Errorf("views: stream %q has unknown aggregate %q", s.StreamID, s.Meta.Aggregate)
		}
	}

	for _, v := range sessions {
		if p, ok := d.People[v.UserID]; ok {
			p.Sessions = append(p.Sessions, v)
		}
	}
	for _, v := range recordings {
		if p, ok := d.People[v.UserID]; ok {
			p.Recordings = append(p.Recordings, v)
		}
	}

	for _, p := range d.People {
		sort.Slice(p.Sessions, func(i, j int) bool {
			return p.Sessions[i].Date+p.Sessions[i].Time < p.Sessions[j].Date+p.Sessions[j].Time
		})
		sort.Slice(p.Recordings, func(i, j int) bool {
			return p.Recordings[i].Date+p.Recordings[i].Time < p.Recordings[j].Date+p.Recordings[j].Time
		})
	}
	for g := range d.Groups {
		sort.Strings(d.Groups[g])
	}

	return d, nil
}

// Roster returns the members of a group ordered by last then first name.
func (d *Directory) Roster(group string) []*PersonView {
	out := make([]*PersonView, 0, len(d.Groups[group]))
	for _, id := range d.Groups[group] {
		if p, ok := d.People[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].FirstName < out[j].FirstName
	})
	return out
}

func personView(s *cqrs.State) *PersonView {
	v := &PersonView{
		StreamID:     s.StreamID,
		Emails:       s.Members(domain.AttrEmails),
		PhoneNumbers: s.Members(domain.AttrPhoneNumbers),
		Groups:       s.Members(domain.AttrGroups),
		Created:      s.Created(),
		Updated:      s.Updated(),
	}
	if name, ok := s.Lookup(domain.AttrName); ok {
		v.FirstName = str(name["first_name"])
		v.LastName = str(name["last_name"])
	}
	return v
}

func sessionView(s *cqrs.State) SessionView {
	updated := s.Updated().UTC()
	return SessionView{
		StreamID: s.StreamID,
		UserID:   str(s.Attributes["user_id"]),
		Seconds:  int64(number(s.Attributes["seconds"])),
		Date:     updated.Format(dateLayout),
		Time:     updated.Format(timeLayout),
	}
}

func recordingView(s *cqrs.State) RecordingView {
	updated := s.Updated().UTC()
	return RecordingView{
		StreamID:    s.StreamID,
		UserID:      str(s.Attributes["user_id"]),
		Publication: str(s.Attributes["publication"]),
		Filename:    str(s.Attributes["filename"]),
		Duration:    number(s.Attributes["duration"]),
		Date:        updated.Format(dateLayout),
		Time:        updated.Format(timeLayout),
	}
}

func day[V any](m map[string]map[string]V, date string) map[string]V {
	inner, ok := m[date]
	if !ok {
		inner = make(map[string]V)
		m[date] = inner
	}
	return inner
}

func str(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func number(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
