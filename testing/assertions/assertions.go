// Package assertions provides event assertion utilities for testing event-sourced systems.
// It includes helpers for comparing events, checking event names and the
// ordering rules of the log, and generating event diffs.
package assertions

import (
	"fmt"
	"strings"
	"testing"

	"github.com/access-news/cqrs"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// AssertEventNames checks that the events have the expected names in order.
func AssertEventNames(t TB, events []cqrs.Event, names ...string) {
	t.Helper()

	if len(events) != len(names) {
		t.Fatalf("Expected %d events, got %d", len(names), len(events))
	}

	for i, name := range names {
		if events[i].Name != name {
			t.Errorf("Event %d: expected %s, got %s", i, name, events[i].Name)
		}
	}
}

// AssertEventFields checks that an event carries exactly the expected
// fields. Numbers compare by value.
func AssertEventFields(t TB, event cqrs.Event, expected cqrs.Fields) {
	t.Helper()

	want := event
	want.Fields = expected
	if !want.Same(event) {
		t.Errorf("Event %s fields mismatch:\nExpected: %v\nActual: %v", event.Name, expected, event.Fields)
	}
}

// AssertEventCount checks the number of events.
func AssertEventCount(t TB, events []cqrs.Event, expected int) {
	t.Helper()

	if len(events) != expected {
		t.Errorf("Expected %d events, got %d", expected, len(events))
	}
}

// AssertNoEvents checks that no events were produced.
func AssertNoEvents(t TB, events []cqrs.Event) {
	t.Helper()

	if len(events) > 0 {
		t.Errorf("Expected no events, got %d: %s", len(events), names(events))
	}
}

// AssertContainsEvent checks that some event matches expected by stream,
// name and fields.
func AssertContainsEvent(t TB, events []cqrs.Event, expected cqrs.Event) {
	t.Helper()

	for _, e := range events {
		if expected.Same(e) {
			return
		}
	}
	t.Errorf("Events do not contain %s %v for %s", expected.Name, expected.Fields, expected.StreamID)
}

// AssertSeqContiguous checks that each stream's events run 1, 2, 3, ...
// in the order given.
func AssertSeqContiguous(t TB, events []cqrs.Event) {
	t.Helper()

	last := make(map[string]int64)
	for i, e := range events {
		if e.Seq != last[e.StreamID]+1 {
			t.Errorf("Event %d: %s seq %d follows %d", i, e.StreamID, e.Seq, last[e.StreamID])
		}
		last[e.StreamID] = e.Seq
	}
}

// AssertPositionsIncreasing checks that global positions strictly increase.
func AssertPositionsIncreasing(t TB, events []cqrs.Event) {
	t.Helper()

	for i := 1; i < len(events); i++ {
		if events[i].Position <= events[i-1].Position {
			t.Errorf("Event %d: position %d does not follow %d", i, events[i].Position, events[i-1].Position)
		}
	}
}

// EventDiff represents a difference between expected and actual events.
type EventDiff struct {
	Index    int
	Expected *cqrs.Event
	Actual   *cqrs.Event
	Type     DiffType
}

// DiffType represents the type of difference.
type DiffType int

const (
	// DiffMissing indicates an expected event was not present.
	DiffMissing DiffType = iota
	// DiffExtra indicates an unexpected event was present.
	DiffExtra
	// DiffMismatch indicates event data did not match.
	DiffMismatch
)

// String returns a human-readable representation of the diff type.
func (d DiffType) String() string {
	switch d {
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	case DiffMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// DiffEvents compares two event slices by stream, name and fields.
func DiffEvents(expected, actual []cqrs.Event) []EventDiff {
	var diffs []EventDiff

	n := len(expected)
	if len(actual) > n {
		n = len(actual)
	}

	for i := 0; i < n; i++ {
		switch {
		case i >= len(expected):
			diffs = append(diffs, EventDiff{Index: i, Actual: &actual[i], Type: DiffExtra})
		case i >= len(actual):
			diffs = append(diffs, EventDiff{Index: i, Expected: &expected[i], Type: DiffMissing})
		case !expected[i].Same(actual[i]):
			diffs = append(diffs, EventDiff{Index: i, Expected: &expected[i], Actual: &actual[i], Type: DiffMismatch})
		}
	}

	return diffs
}

// FormatDiffs formats event diffs as a human-readable string.
func FormatDiffs(diffs []EventDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var buf strings.Builder
	buf.WriteString("Event differences:\n")

	for _, diff := range diffs {
		buf.WriteString(formatDiff(diff))
	}

	return buf.String()
}

func formatDiff(diff EventDiff) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "  Event %d (%s):\n", diff.Index, diff.Type)

	switch diff.Type {
	case DiffExtra:
		fmt.Fprintf(&buf, "    + %s (unexpected)\n", describe(*diff.Actual))
	case DiffMissing:
		fmt.Fprintf(&buf, "    - %s (missing)\n", describe(*diff.Expected))
	case DiffMismatch:
		fmt.Fprintf(&buf, "    - %s\n", describe(*diff.Expected))
		fmt.Fprintf(&buf, "    + %s\n", describe(*diff.Actual))
	}

	return buf.String()
}

func describe(e cqrs.Event) string {
	return fmt.Sprintf("%s/%s %v", e.StreamID, e.Name, e.Fields)
}

// AssertEventsEqual compares two event slices and fails if they differ.
func AssertEventsEqual(t TB, expected, actual []cqrs.Event) {
	t.Helper()

	diffs := DiffEvents(expected, actual)
	if len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

// AssertEventsMatch checks that actual events match expected events,
// allowing for extra events at the end.
func AssertEventsMatch(t TB, expected, actual []cqrs.Event) {
	t.Helper()

	if len(actual) < len(expected) {
		t.Fatalf("Expected at least %d events, got %d", len(expected), len(actual))
	}

	AssertEventsEqual(t, expected, actual[:len(expected)])
}

// EventMatcher is a predicate over events.
type EventMatcher func(e cqrs.Event) bool

// MatchName matches events by name.
func MatchName(name string) EventMatcher {
	return func(e cqrs.Event) bool {
		return e.Name == name
	}
}

// MatchStream matches events of one stream.
func MatchStream(streamID string) EventMatcher {
	return func(e cqrs.Event) bool {
		return e.StreamID == streamID
	}
}

// MatchField matches events whose field key holds value.
func MatchField(key string, value interface{}) EventMatcher {
	return func(e cqrs.Event) bool {
		v, ok := e.Fields[key]
		return ok && fmt.Sprint(v) == fmt.Sprint(value)
	}
}

// And matches events every matcher accepts.
func And(matchers ...EventMatcher) EventMatcher {
	return func(e cqrs.Event) bool {
		for _, m := range matchers {
			if !m(e) {
				return false
			}
		}
		return true
	}
}

// AssertAnyMatch checks that at least one event matches.
func AssertAnyMatch(t TB, events []cqrs.Event, matcher EventMatcher) {
	t.Helper()

	if CountMatches(events, matcher) == 0 {
		t.Errorf("No event matches among %s", names(events))
	}
}

// AssertAllMatch checks that every event matches.
func AssertAllMatch(t TB, events []cqrs.Event, matcher EventMatcher) {
	t.Helper()

	for i, e := range events {
		if !matcher(e) {
			t.Errorf("Event %d (%s) does not match", i, e.Name)
		}
	}
}

// AssertNoneMatch checks that no event matches.
func AssertNoneMatch(t TB, events []cqrs.Event, matcher EventMatcher) {
	t.Helper()

	for i, e := range events {
		if matcher(e) {
			t.Errorf("Event %d (%s) should not match", i, e.Name)
		}
	}
}

// CountMatches counts the events that match.
func CountMatches(events []cqrs.Event, matcher EventMatcher) int {
	return len(FilterEvents(events, matcher))
}

// FilterEvents returns the events that match.
func FilterEvents(events []cqrs.Event, matcher EventMatcher) []cqrs.Event {
	var out []cqrs.Event
	for _, e := range events {
		if matcher(e) {
			out = append(out, e)
		}
	}
	return out
}

func names(events []cqrs.Event) string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return "[" + strings.Join(out, " ") + "]"
}
