package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"github.com/access-news/cqrs"
)

func TestNewSpinner(t *testing.T) {
	tests := []struct {
		name        string
		spinnerType SpinnerType
		frames      []string
	}{
		{"dots", SpinnerDots, spinner.Dot.Frames},
		{"line", SpinnerLine, spinner.Line.Frames},
		{"points", SpinnerPoints, spinner.Points.Frames},
		{"meter", SpinnerMeter, spinner.Meter.Frames},
		{"unknown falls back to dots", SpinnerType(99), spinner.Dot.Frames},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSpinner("Migrating...", tt.spinnerType)
			assert.Equal(t, "Migrating...", s.message)
			assert.Equal(t, tt.frames, s.spinner.Spinner.Frames)
			assert.False(t, s.done)
			assert.NotNil(t, s.Init())
		})
	}
}

func TestSpinnerUpdate(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune{'q'}},
		{Type: tea.KeyEsc},
		{Type: tea.KeyCtrlC},
	} {
		t.Run("quit with "+key.String(), func(t *testing.T) {
			model, cmd := NewSpinner("Loading...", SpinnerDots).Update(key)
			sm := model.(SpinnerModel)
			assert.True(t, sm.Cancelled())
			assert.NotNil(t, cmd)
			assert.Contains(t, sm.View(), "Cancelled")
		})
	}

	t.Run("done", func(t *testing.T) {
		model, cmd := NewSpinner("Migrating...", SpinnerDots).Update(SpinnerDoneMsg{Result: "Schema ready"})
		sm := model.(SpinnerModel)
		assert.True(t, sm.done)
		assert.NotNil(t, cmd)
		assert.Contains(t, sm.View(), "Schema ready")
	})

	t.Run("done with error", func(t *testing.T) {
		model, _ := NewSpinner("Migrating...", SpinnerDots).Update(SpinnerDoneMsg{
			Result: "Migration failed",
			Err:    errors.New("connection refused"),
		})
		view := model.(SpinnerModel).View()
		assert.Contains(t, view, "Migration failed")
		assert.Contains(t, view, "connection refused")
	})

	t.Run("tick", func(t *testing.T) {
		s := NewSpinner("Loading...", SpinnerDots)
		_, cmd := s.Update(s.spinner.Tick())
		assert.NotNil(t, cmd)
	})

	t.Run("unhandled message", func(t *testing.T) {
		_, cmd := NewSpinner("Loading...", SpinnerDots).Update(tea.WindowSizeMsg{})
		assert.Nil(t, cmd)
	})

	t.Run("running view", func(t *testing.T) {
		assert.Contains(t, NewSpinner("Loading...", SpinnerDots).View(), "Loading...")
	})
}

func TestRebuildModel(t *testing.T) {
	m := NewRebuild("people")
	assert.Nil(t, m.Init())
	assert.Equal(t, "people", m.Progress().ProjectionName)

	t.Run("in progress", func(t *testing.T) {
		model, cmd := m.Update(RebuildProgressMsg{
			ProjectionName:     "people",
			TotalEvents:        10,
			ProcessedEvents:    4,
			AppliedEvents:      3,
			EstimatedRemaining: 3 * time.Second,
		})
		rm := model.(RebuildModel)
		assert.Nil(t, cmd)
		assert.Equal(t, uint64(4), rm.Progress().ProcessedEvents)
		view := rm.View()
		assert.Contains(t, view, "4/10 events, 3 applied")
		assert.Contains(t, view, "left")
	})

	t.Run("completed", func(t *testing.T) {
		model, cmd := m.Update(RebuildProgressMsg{
			ProjectionName:  "people",
			TotalEvents:     10,
			ProcessedEvents: 10,
			AppliedEvents:   9,
			Completed:       true,
		})
		assert.NotNil(t, cmd)
		assert.Contains(t, model.View(), "Rebuilt people")
	})

	t.Run("failed", func(t *testing.T) {
		model, _ := m.Update(RebuildProgressMsg{
			ProjectionName: "people",
			Completed:      true,
			Error:          errors.New("state store unavailable"),
		})
		view := model.View()
		assert.Contains(t, view, "failed")
		assert.Contains(t, view, "state store unavailable")
	})

	t.Run("cancelled", func(t *testing.T) {
		model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
		rm := model.(RebuildModel)
		assert.True(t, rm.Cancelled())
		assert.NotNil(t, cmd)
		assert.Contains(t, rm.View(), "Cancelled")
	})
}

func TestRebuildProgressMsg_Conversion(t *testing.T) {
	p := cqrs.RebuildProgress{ProjectionName: "people", TotalEvents: 2}
	msg := RebuildProgressMsg(p)
	assert.Equal(t, p, cqrs.RebuildProgress(msg))
}

func TestTable(t *testing.T) {
	tbl := NewTable("Stream", "Aggregate", "Seq")
	tbl.AddRow("p1", "person", "3")
	tbl.AddRow("s1", "session")
	tbl.AddRow("r1", "recording", "1", "extra")

	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, []string{"s1", "session", ""}, tbl.rows[1])
	assert.Equal(t, []string{"r1", "recording", "1"}, tbl.rows[2])

	rendered := tbl.Render()
	assert.Contains(t, rendered, "╭")
	assert.Contains(t, rendered, "╯")
	assert.Contains(t, rendered, "Aggregate")
	assert.Contains(t, rendered, "recording")
}

func TestTable_RenderEmpty(t *testing.T) {
	assert.Empty(t, (&Table{}).Render())
}

func TestStatusBadge(t *testing.T) {
	for _, status := range []string{
		string(cqrs.ProjectionStateRunning),
		string(cqrs.ProjectionStateStopped),
		string(cqrs.ProjectionStateFaulted),
		string(cqrs.ProjectionStateRebuilding),
		"ok", "parked", "FAILED", "unknown",
	} {
		t.Run(status, func(t *testing.T) {
			assert.Contains(t, StatusBadge(status), status)
		})
	}
}

func TestBanner(t *testing.T) {
	banner := Banner()
	assert.Contains(t, banner, "cqrs")
	assert.Contains(t, banner, "recordings")
}

func TestDivider(t *testing.T) {
	assert.Equal(t, 20, strings.Count(Divider(20), "─"))
}

func TestListItems(t *testing.T) {
	list := ListItems([]string{"person", "session", "recording"})
	assert.Contains(t, list, "person")
	assert.Contains(t, list, "recording")
	assert.Equal(t, 3, strings.Count(list, "\n"))
	assert.Empty(t, ListItems(nil))
}

func TestNumberedList(t *testing.T) {
	list := NumberedList([]string{"cqrs migrate", "cqrs project"})
	assert.Contains(t, list, "1.")
	assert.Contains(t, list, "2.")
	assert.Contains(t, list, "cqrs project")
	assert.Empty(t, NumberedList(nil))
}
