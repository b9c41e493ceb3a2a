package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpark/pgreplica/internal/status"
	"github.com/mpark/pgreplica/internal/tui/components"
)

// snapshotMsg carries a new status snapshot into the Bubble Tea update loop.
type snapshotMsg status.Snapshot

// Model is the main Bubble Tea model for the pgreplica dashboard.
type Model struct {
	collector  *status.Collector
	sub        chan status.Snapshot
	snapshot   status.Snapshot
	lagHistory *components.LagHistory

	width  int
	height int
	ready  bool
}

// NewModel creates a new TUI model connected to the given status collector.
func NewModel(collector *status.Collector) Model {
	return Model{
		collector:  collector,
		sub:        collector.Subscribe(),
		lagHistory: components.NewLagHistory(60),
	}
}

// Init starts waiting on the model's snapshot subscription.
func (m Model) Init() tea.Cmd {
	return waitForSnapshot(m.sub)
}

func waitForSnapshot(sub chan status.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

// Update handles Bubble Tea messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.sub != nil {
				m.collector.Unsubscribe(m.sub)
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case snapshotMsg:
		m.snapshot = status.Snapshot(msg)
		return m, waitForSnapshot(m.sub)
	}

	return m, nil
}

// View renders the full dashboard.
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	w := m.width
	snap := m.snapshot

	var sections []string

	title := titleBarStyle.Width(w).Render(" pgreplica")
	sections = append(sections, title)

	headerBox := boxStyle.Width(w - 2).Render(components.RenderHeader(snap, w-4))
	sections = append(sections, headerBox)

	eventsBox := boxStyle.Width(w - 2).Render(components.RenderEvents(snap, w-4))
	sections = append(sections, eventsBox)

	lagBox := boxStyle.Width(w - 2).Render(components.RenderLag(snap, m.lagHistory, w-4))
	sections = append(sections, lagBox)

	logEntries := m.collector.Logs()
	logHeight := m.height - 14
	if logHeight < 3 {
		logHeight = 3
	}
	logBox := boxStyle.Width(w - 2).Render(components.RenderLogs(logEntries, logHeight))
	sections = append(sections, logBox)

	sections = append(sections, helpStyle.Render("  q: quit"))

	return strings.Join(sections, "\n")
}

// Run starts the TUI in fullscreen mode. Blocks until the user quits.
func Run(collector *status.Collector) error {
	model := NewModel(collector)
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
