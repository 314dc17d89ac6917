package monitor

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conclave/internal/events"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestModel(source chan events.Event) Model {
	m := NewModel(source, "", time.Second)
	m.now = func() time.Time { return now }
	m.started = now.Add(-90 * time.Minute)
	return m
}

func event(t events.Type, project string, mod func(*events.Event)) events.Event {
	e := events.Event{ID: string(t) + project, Type: t, ProjectID: project, At: now.Add(-30 * time.Second)}
	if mod != nil {
		mod(&e)
	}
	return e
}

// feed applies events through Update.
func feed(m Model, es ...events.Event) Model {
	for _, e := range es {
		next, _ := m.Update(eventMsg(e))
		m = next.(Model)
	}
	return m
}

func TestNewModel(t *testing.T) {
	model := NewModel(make(chan events.Event), "shop", 0)
	assert.Equal(t, 5*time.Second, model.interval, "zero interval falls back to default")
	assert.Equal(t, "shop", model.filter)
	assert.False(t, model.quitting)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	model := newTestModel(nil)
	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_EventWaitsForNext(t *testing.T) {
	source := make(chan events.Event, 1)
	model := newTestModel(source)

	updated, cmd := model.Update(eventMsg(event(events.ProjectStarted, "shop", nil)))
	require.NotNil(t, cmd)
	assert.Equal(t, 1, updated.(Model).Stats().Events)

	next := event(events.PhaseChanged, "shop", func(e *events.Event) { e.Phase = "prioritization" })
	source <- next
	assert.Equal(t, eventMsg(next), cmd())

	close(source)
	assert.Equal(t, sourceClosedMsg{}, waitForEvent(source)())
}

func TestModel_Update_SourceClosed(t *testing.T) {
	updated, cmd := newTestModel(nil).Update(sourceClosedMsg{})
	assert.Nil(t, cmd)
	assert.True(t, updated.(Model).closed)
	assert.Contains(t, updated.(Model).View(), "feed closed")
}

func TestModel_ProjectLifecycle(t *testing.T) {
	m := feed(newTestModel(nil),
		event(events.ProjectStarted, "shop", nil),
		event(events.PhaseChanged, "shop", func(e *events.Event) { e.Phase = string(orchestrator.PhaseDevelopment) }),
		event(events.TaskTransition, "shop", func(e *events.Event) { e.TaskID = "T1"; e.Outcome = "done" }),
		event(events.TaskTransition, "shop", func(e *events.Event) { e.TaskID = "T2"; e.Outcome = "escalated" }),
		event(events.PhaseChanged, "shop", func(e *events.Event) { e.Phase = string(orchestrator.PhaseBlocked) }),
		event(events.ProjectBlocked, "shop", func(e *events.Event) {
			e.Phase = string(orchestrator.PhaseDevelopment)
			e.Message = "task T2 escalated"
		}),
	)

	projects := m.Projects()
	require.Len(t, projects, 1)
	p := projects[0]
	assert.Equal(t, orchestrator.PhaseBlocked, p.Phase)
	assert.Equal(t, orchestrator.PhaseDevelopment, p.BlockedIn)
	assert.Equal(t, orchestrator.StatusBlocked, p.Status)
	assert.Equal(t, orchestrator.PhaseDevelopment.Progress(), p.Progress())
	assert.Equal(t, map[string]int{"done": 1, "escalated": 1}, p.TaskCounts())
	assert.Equal(t, 2, m.Stats().Escalations)

	m = feed(m, event(events.PhaseChanged, "shop", func(e *events.Event) { e.Phase = string(orchestrator.PhaseDevelopment) }))
	p = m.Projects()[0]
	assert.Equal(t, orchestrator.StatusActive, p.Status, "resume clears the block")
	assert.Empty(t, p.BlockedIn)

	m = feed(m, event(events.ProjectCompleted, "shop", nil))
	assert.Equal(t, 100, m.Projects()[0].Progress())
}

func TestModel_GateStatsAndHistory(t *testing.T) {
	decided := func(project, outcome string) events.Event {
		return event(events.GateDecided, project, func(e *events.Event) {
			e.GateID = "code_review"
			e.Outcome = outcome
		})
	}
	m := feed(newTestModel(nil),
		decided("shop", "approved"),
		decided("shop", "approved_with_conditions"),
		decided("blog", "rejected"),
		event(events.TraceRecorded, "shop", nil),
	)

	stats := m.Stats()
	assert.Equal(t, 2, stats.GatesPassed)
	assert.Equal(t, 1, stats.GatesRejected)
	assert.Equal(t, 1, stats.TracesStored)
	assert.InDelta(t, 2.0/3.0, stats.ApprovalRate(), 1e-9)
	assert.Len(t, m.recent, 3)

	next, cmd := m.Update(tickMsg(now))
	m = next.(Model)
	assert.NotNil(t, cmd)
	assert.Equal(t, []float64{4}, m.Stats().EventHistory)
	require.Len(t, m.Stats().ApprovalHistory, 1)
	assert.InDelta(t, 200.0/3.0, m.Stats().ApprovalHistory[0], 1e-9)

	next, _ = m.Update(tickMsg(now))
	m = next.(Model)
	assert.Equal(t, []float64{4, 0}, m.Stats().EventHistory)
	assert.Len(t, m.Stats().ApprovalHistory, 1, "intervals without decisions are not charted")
}

func TestModel_CheckpointAndUnblock(t *testing.T) {
	m := feed(newTestModel(nil),
		event(events.ProjectStarted, "shop", nil),
		event(events.ProjectPaused, "shop", func(e *events.Event) {
			e.GateID = "architecture_approval"
			e.Message = "architecture_approval passed"
		}),
	)
	require.Len(t, m.Projects(), 1)
	assert.Equal(t, orchestrator.StatusAwaitingApproval, m.Projects()[0].Status)
	assert.Contains(t, m.View(), "awaiting approval after architecture_approval")

	m = feed(m,
		event(events.ProjectBlocked, "shop", func(e *events.Event) { e.Phase = string(orchestrator.PhaseCodeReview) }),
		event(events.ProjectUnblocked, "shop", func(e *events.Event) {
			e.Phase = string(orchestrator.PhaseCodeReview)
			e.Message = "retry by alice"
		}),
	)
	p := m.Projects()[0]
	assert.Equal(t, orchestrator.StatusActive, p.Status)
	assert.Equal(t, orchestrator.PhaseCodeReview, p.Phase)
	assert.Empty(t, p.BlockedIn)
	assert.Contains(t, m.View(), "retry by alice")
}

func TestModel_ClearKey(t *testing.T) {
	m := feed(newTestModel(nil),
		event(events.ProjectStarted, "shop", nil),
		event(events.ProjectStarted, "blog", nil),
		event(events.ProjectAborted, "blog", nil),
		event(events.GateDecided, "shop", func(e *events.Event) { e.Outcome = "approved" }),
	)
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	m = next.(Model)

	projects := m.Projects()
	require.Len(t, projects, 1)
	assert.Equal(t, "shop", projects[0].ID)
	assert.Empty(t, m.recent)
}

func TestModel_RecentIsBounded(t *testing.T) {
	m := newTestModel(nil)
	for i := 0; i < recentSize+5; i++ {
		m = feed(m, event(events.GateDecided, "shop", func(e *events.Event) { e.Outcome = "approved" }))
	}
	assert.Len(t, m.recent, recentSize)
}

func TestModel_View(t *testing.T) {
	m := feed(newTestModel(nil),
		event(events.ProjectStarted, "shop", nil),
		event(events.GateDecided, "shop", func(e *events.Event) {
			e.GateID = "code_review"
			e.TaskID = "T1"
			e.Outcome = "approved"
		}),
		event(events.ProjectBlocked, "blog", func(e *events.Event) {
			e.Phase = string(orchestrator.PhaseArchitecture)
			e.Message = "architecture_approval rejected 3 times"
		}),
	)
	view := m.View()
	assert.Contains(t, view, "conclave Monitor")
	assert.Contains(t, view, "all projects")
	assert.Contains(t, view, "1h 30m")
	assert.Contains(t, view, "shop")
	assert.Contains(t, view, "code_review/T1")
	assert.Contains(t, view, "blocked in architecture")
	assert.Contains(t, view, "architecture_approval rejected 3 times")
	assert.Contains(t, view, "[q]")
}

func TestModel_ViewEmpty(t *testing.T) {
	view := newTestModel(nil).View()
	assert.Contains(t, view, "waiting for events")
	assert.Contains(t, view, "no data")
	assert.Contains(t, view, "never")
}

func TestAppendToHistory(t *testing.T) {
	var h []float64
	for i := 0; i < historySize+3; i++ {
		h = appendToHistory(h, float64(i))
	}
	require.Len(t, h, historySize)
	assert.Equal(t, 3.0, h[0])
	assert.Equal(t, float64(historySize+2), h[historySize-1])
}
