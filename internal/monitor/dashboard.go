// Package monitor renders a live terminal dashboard of pipeline activity.
//
// The dashboard consumes the events the orchestrator publishes on NATS:
// it tracks each project's phase, shows recent gate decisions and
// escalations, and charts event and approval rates over time.
package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/conclave/internal/events"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
	"github.com/fyrsmithlabs/conclave/internal/taskgraph"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentSize      = 8
	maxProjects     = 12
)

// ProjectView is the dashboard's picture of one project.
type ProjectView struct {
	ID            string
	Phase         orchestrator.Phase
	BlockedIn     orchestrator.Phase
	Status        orchestrator.Status
	Message       string
	Tasks         map[string]string
	LastEvent     time.Time
	GatesPassed   int
	GatesRejected int
}

// Progress is the project's completion percentage.
func (p ProjectView) Progress() int {
	if p.Phase == orchestrator.PhaseBlocked && p.BlockedIn != "" {
		return p.BlockedIn.Progress()
	}
	return p.Phase.Progress()
}

// TaskCounts returns the number of tasks per status.
func (p ProjectView) TaskCounts() map[string]int {
	out := make(map[string]int, len(p.Tasks))
	for _, s := range p.Tasks {
		out[s]++
	}
	return out
}

// Stats holds the dashboard counters and their history.
type Stats struct {
	Events        int
	GatesPassed   int
	GatesRejected int
	Escalations   int
	TracesStored  int

	// per-interval event counts
	EventHistory []float64
	// per-interval approval ratio, only for intervals with decisions
	ApprovalHistory []float64

	windowEvents   int
	windowDecided  int
	windowApproved int
}

// ApprovalRate is the share of gate decisions that passed.
func (s Stats) ApprovalRate() float64 {
	total := s.GatesPassed + s.GatesRejected
	if total == 0 {
		return 0
	}
	return float64(s.GatesPassed) / float64(total)
}

// Model represents the BubbleTea dashboard model
type Model struct {
	source    <-chan events.Event
	filter    string
	interval  time.Duration
	started   time.Time
	now       func() time.Time
	projects  map[string]*ProjectView
	recent    []events.Event
	stats     Stats
	closed    bool
	quitting  bool
	lastEvent time.Time

	projectProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard reading from source. filter is the project
// the source was subscribed for, shown in the header; empty means all.
func NewModel(source <-chan events.Event, filter string, interval time.Duration) Model {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return Model{
		source:   source,
		filter:   filter,
		interval: interval,
		started:  time.Now(),
		now:      time.Now,
		projects: make(map[string]*ProjectView),
		stats: Stats{
			EventHistory:    make([]float64, 0, historySize),
			ApprovalHistory: make([]float64, 0, historySize),
		},
		projectProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(30),
		),
	}
}

// statusBadge renders a project status.
func statusBadge(status orchestrator.Status) string {
	switch status {
	case orchestrator.StatusComplete:
		return healthyStyle.Render("✓ complete")
	case orchestrator.StatusBlocked:
		return errorStyle.Render("✗ blocked")
	case orchestrator.StatusAborted:
		return warningStyle.Render("■ aborted")
	case orchestrator.StatusAwaitingApproval:
		return warningStyle.Render("? awaiting approval")
	default:
		return healthyStyle.Render("● active")
	}
}

// outcomeBadge renders a gate outcome.
func outcomeBadge(outcome string) string {
	switch outcome {
	case string(voting.Approved):
		return healthyStyle.Render("[✓]")
	case string(voting.ApprovedWithConditions):
		return warningStyle.Render("[~]")
	default:
		return errorStyle.Render("[✗]")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type eventMsg events.Event
type sourceClosedMsg struct{}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		waitForEvent(m.source),
	)
}

// tick creates a tick command that closes a history interval
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForEvent blocks on the next event from source.
func waitForEvent(source <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-source
		if !ok {
			return sourceClosedMsg{}
		}
		return eventMsg(e)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "c":
			m.recent = nil
			for id, p := range m.projects {
				if p.Status != orchestrator.StatusActive {
					delete(m.projects, id)
				}
			}
			return m, nil
		}

	case tickMsg:
		m.stats.EventHistory = appendToHistory(m.stats.EventHistory, float64(m.stats.windowEvents))
		if m.stats.windowDecided > 0 {
			ratio := float64(m.stats.windowApproved) / float64(m.stats.windowDecided)
			m.stats.ApprovalHistory = appendToHistory(m.stats.ApprovalHistory, ratio*100)
		}
		m.stats.windowEvents, m.stats.windowDecided, m.stats.windowApproved = 0, 0, 0
		return m, tick(m.interval)

	case eventMsg:
		m = m.apply(events.Event(msg))
		return m, waitForEvent(m.source)

	case sourceClosedMsg:
		m.closed = true
		return m, nil
	}

	return m, nil
}

// apply folds one event into the model.
func (m Model) apply(e events.Event) Model {
	m.stats.Events++
	m.stats.windowEvents++
	m.lastEvent = m.now()

	p := m.project(e.ProjectID)
	p.LastEvent = e.At

	switch e.Type {
	case events.ProjectStarted:
		p.Phase = orchestrator.PhaseIdeation
		p.Status = orchestrator.StatusActive
		p.Message = "started"
	case events.PhaseChanged:
		p.Phase = orchestrator.Phase(e.Phase)
		if p.Phase != orchestrator.PhaseBlocked {
			p.BlockedIn = ""
		}
		if p.Status != orchestrator.StatusComplete {
			p.Status = orchestrator.StatusActive
		}
		p.Message = e.Message
	case events.ProjectCompleted:
		p.Phase = orchestrator.PhaseComplete
		p.Status = orchestrator.StatusComplete
		p.Message = "complete"
	case events.ProjectBlocked:
		p.Phase = orchestrator.PhaseBlocked
		p.BlockedIn = orchestrator.Phase(e.Phase)
		p.Status = orchestrator.StatusBlocked
		p.Message = e.Message
		m.stats.Escalations++
		m.remember(e)
	case events.ProjectAborted:
		p.Status = orchestrator.StatusAborted
		p.Message = "aborted"
	case events.ProjectPaused:
		p.Status = orchestrator.StatusAwaitingApproval
		p.Message = e.Message
		m.remember(e)
	case events.ProjectUnblocked:
		p.Phase = orchestrator.Phase(e.Phase)
		p.BlockedIn = ""
		p.Status = orchestrator.StatusActive
		p.Message = e.Message
		m.remember(e)
	case events.GateDecided:
		m.stats.windowDecided++
		if e.Outcome == string(voting.Rejected) {
			m.stats.GatesRejected++
			p.GatesRejected++
		} else {
			m.stats.GatesPassed++
			m.stats.windowApproved++
			p.GatesPassed++
		}
		m.remember(e)
	case events.TaskTransition:
		if p.Tasks == nil {
			p.Tasks = make(map[string]string)
		}
		p.Tasks[e.TaskID] = e.Outcome
		if e.Outcome == string(taskgraph.StatusEscalated) {
			m.stats.Escalations++
			m.remember(e)
		}
	case events.TraceRecorded:
		m.stats.TracesStored++
	}
	return m
}

func (m *Model) project(id string) *ProjectView {
	if p, ok := m.projects[id]; ok {
		return p
	}
	p := &ProjectView{ID: id, Phase: orchestrator.PhaseIdeation, Status: orchestrator.StatusActive}
	m.projects[id] = p
	return p
}

func (m *Model) remember(e events.Event) {
	m.recent = append(m.recent, e)
	if len(m.recent) > recentSize {
		m.recent = m.recent[len(m.recent)-recentSize:]
	}
}

// Projects returns the tracked projects, most recently active first.
func (m Model) Projects() []ProjectView {
	out := make([]ProjectView, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastEvent.Equal(out[j].LastEvent) {
			return out[i].LastEvent.After(out[j].LastEvent)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns the dashboard counters.
func (m Model) Stats() Stats { return m.stats }

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	now := m.now()

	scope := "all projects"
	if m.filter != "" {
		scope = m.filter
	}
	lastEvent := "never"
	if !m.lastEvent.IsZero() {
		lastEvent = FormatAge(m.lastEvent, now) + " ago"
	}
	b.WriteString(headerStyle.Render(" conclave Monitor ") + "\n")
	feed := healthyStyle.Render("● live")
	if m.closed {
		feed = errorStyle.Render("✗ feed closed")
	}
	fmt.Fprintf(&b, "%s   %s %s   %s %s   %s %s\n",
		feed,
		dimStyle.Render("Scope:"), valueStyle.Render(scope),
		dimStyle.Render("Uptime:"), valueStyle.Render(FormatUptime(int64(now.Sub(m.started).Seconds()))),
		dimStyle.Render("Last event:"), valueStyle.Render(lastEvent))

	// Activity
	b.WriteString("\n" + sectionStyle.Render("┃ Activity") + "\n")
	perMinute := 0.0
	if n := len(m.stats.EventHistory); n > 0 {
		perMinute = m.stats.EventHistory[n-1] * float64(time.Minute) / float64(m.interval)
	}
	b.WriteString(labelStyle.Render("  Events: ") +
		valueStyle.Render(FormatRate(perMinute)) +
		dimStyle.Render(fmt.Sprintf(" (%d total)", m.stats.Events)) +
		"   " + createSparkline(m.stats.EventHistory) + "\n")
	b.WriteString(labelStyle.Render("  Traces stored: ") + valueStyle.Render(fmt.Sprintf("%d", m.stats.TracesStored)) +
		labelStyle.Render("   Escalations: ") + valueStyle.Render(fmt.Sprintf("%d", m.stats.Escalations)) + "\n")

	// Gates
	b.WriteString("\n" + sectionStyle.Render("┃ Quality Gates") + "\n")
	b.WriteString(labelStyle.Render("  Approval: ") +
		valueStyle.Render(FormatPercentage(m.stats.ApprovalRate())) +
		dimStyle.Render(fmt.Sprintf(" (%d passed, %d rejected)", m.stats.GatesPassed, m.stats.GatesRejected)) +
		"   " + createSparkline(m.stats.ApprovalHistory) + "\n")

	// Projects
	b.WriteString("\n" + sectionStyle.Render("┃ Projects") + "\n")
	projects := m.Projects()
	if len(projects) == 0 {
		b.WriteString(dimStyle.Render("  waiting for events…") + "\n")
	}
	for i, p := range projects {
		if i == maxProjects {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", len(projects)-maxProjects)) + "\n")
			break
		}
		phase := string(p.Phase)
		if p.BlockedIn != "" {
			phase = "blocked in " + string(p.BlockedIn)
		}
		fmt.Fprintf(&b, "  %s %s %s %s\n",
			valueStyle.Render(fmt.Sprintf("%-16s", Truncate(p.ID, 16))),
			m.projectProgress.ViewAs(float64(p.Progress())/100),
			statusBadge(p.Status),
			labelStyle.Render(phase))
		if counts := p.TaskCounts(); len(counts) > 0 {
			b.WriteString(dimStyle.Render("    tasks: "+formatCounts(counts)) + "\n")
		}
		if p.Status == orchestrator.StatusBlocked && p.Message != "" {
			b.WriteString(errorStyle.Render("    "+Truncate(p.Message, 70)) + "\n")
		}
	}

	// Recent decisions and escalations
	b.WriteString("\n" + sectionStyle.Render("┃ Recent Decisions") + "\n")
	if len(m.recent) == 0 {
		b.WriteString(dimStyle.Render("  none yet") + "\n")
	}
	for i := len(m.recent) - 1; i >= 0; i-- {
		e := m.recent[i]
		b.WriteString("  " + renderRecent(e, now) + "\n")
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[c]") + footerStyle.Render(" clear finished  ") +
		footerStyle.Render(fmt.Sprintf("Interval: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func renderRecent(e events.Event, now time.Time) string {
	age := dimStyle.Render(fmt.Sprintf("%4s", FormatAge(e.At, now)))
	switch e.Type {
	case events.GateDecided:
		subject := e.GateID
		if e.TaskID != "" {
			subject += "/" + e.TaskID
		}
		return fmt.Sprintf("%s %s %s %s", age, outcomeBadge(e.Outcome),
			valueStyle.Render(e.ProjectID), labelStyle.Render(subject))
	case events.TaskTransition:
		return fmt.Sprintf("%s %s %s %s", age, warningStyle.Render("[!]"),
			valueStyle.Render(e.ProjectID), labelStyle.Render("task "+e.TaskID+" escalated"))
	case events.ProjectPaused:
		return fmt.Sprintf("%s %s %s %s", age, warningStyle.Render("[?]"),
			valueStyle.Render(e.ProjectID), labelStyle.Render("awaiting approval after "+e.GateID))
	case events.ProjectUnblocked:
		return fmt.Sprintf("%s %s %s %s", age, healthyStyle.Render("[>]"),
			valueStyle.Render(e.ProjectID), labelStyle.Render(Truncate(e.Message, 60)))
	default:
		return fmt.Sprintf("%s %s %s %s", age, errorStyle.Render("[!]"),
			valueStyle.Render(e.ProjectID), labelStyle.Render(Truncate(e.Message, 60)))
	}
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}
