package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"foreman/pkg/protocol"
)

// tickMsg is sent by Bubble Tea on every tick interval. It triggers a
// periodic data refresh even without filesystem events.
type tickMsg time.Time

// ticketsMsg carries a freshly read snapshot table.
type ticketsMsg []protocol.TaskSnapshot

// resourceMsg carries the daemon's admission snapshot. nil means the
// daemon is offline.
type resourceMsg *protocol.ResourceStatus

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchTicketsCmd reads the snapshot projection off the Bubble Tea loop.
func fetchTicketsCmd(root string) tea.Cmd {
	return func() tea.Msg {
		tickets, _ := fetchSnapshots(root)
		return ticketsMsg(tickets)
	}
}

// fetchResourceCmd polls the daemon status endpoint.
func fetchResourceCmd(root string) tea.Cmd {
	return func() tea.Msg {
		return resourceMsg(fetchResourceStatus(root))
	}
}

// Model is the Bubble Tea model for the foreman dashboard.
type Model struct {
	root    string
	theme   Theme
	styles  Styles
	table   table.Model
	watcher *fsnotify.Watcher

	tickets   []protocol.TaskSnapshot
	resources *protocol.ResourceStatus

	width  int
	height int
}

// newModel builds the dashboard model for a workspace root.
func newModel(root string) Model {
	theme := DefaultTheme()

	columns := []table.Column{
		{Title: "Ticket", Width: 12},
		{Title: "Stage", Width: 13},
		{Title: "Agent", Width: 13},
		{Title: "Retries", Width: 7},
		{Title: "Updated", Width: 20},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.Bold(true).Foreground(theme.Primary)
	ts.Selected = ts.Selected.Foreground(lipgloss.Color("0")).Background(theme.Primary)
	t.SetStyles(ts)

	return Model{
		root:    root,
		theme:   theme,
		styles:  DefaultStyles(theme),
		table:   t,
		watcher: initWatcher(filepath.Join(root, protocol.ForemanDir)),
	}
}

// Init starts the refresh loop and, when available, the fs watcher.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		fetchTicketsCmd(m.root),
		fetchResourceCmd(m.root),
		tickCmd(),
	}
	if m.watcher != nil {
		cmds = append(cmds, waitForChange(m.watcher))
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.watcher != nil {
				_ = m.watcher.Close()
			}
			return m, tea.Quit
		case "r":
			return m, tea.Batch(fetchTicketsCmd(m.root), fetchResourceCmd(m.root))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 6; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(fetchTicketsCmd(m.root), fetchResourceCmd(m.root), tickCmd())

	case fsChangeMsg:
		cmds := []tea.Cmd{fetchTicketsCmd(m.root)}
		if m.watcher != nil {
			cmds = append(cmds, waitForChange(m.watcher))
		}
		return m, tea.Batch(cmds...)

	case ticketsMsg:
		m.tickets = msg
		m.table.SetRows(ticketRows(msg))
		return m, nil

	case resourceMsg:
		m.resources = msg
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the dashboard.
func (m Model) View() string {
	header := m.styles.Header.Render("foreman") + " " + m.headerBadges()
	footer := m.styles.Footer.Render("q quit · r refresh · ↑/↓ select")

	body := m.table.View()
	if len(m.tickets) == 0 {
		body = m.styles.Muted.Render("  no tickets — create one with `foreman ticket create`")
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, "", body, "", footer)
}

// headerBadges renders the resource/daemon summary line.
func (m Model) headerBadges() string {
	active, terminal := 0, 0
	for _, snap := range m.tickets {
		if snap.Status.Terminal() {
			terminal++
		} else {
			active++
		}
	}
	summary := fmt.Sprintf("%d active · %d done", active, terminal)

	if m.resources == nil {
		return summary + " · " + m.styles.Badge.Foreground(m.theme.Muted).Render("daemon offline")
	}

	color := m.theme.Success
	if m.resources.LimitsExceeded {
		color = m.theme.Error
	}
	return summary + " · " + m.styles.Badge.Foreground(color).Render(
		fmt.Sprintf("cpu %.0f%% · mem %.0f%% · slots %d/%d",
			m.resources.CPUPercent, m.resources.MemoryPercent,
			m.resources.Active, m.resources.MaxConcurrent))
}

// ticketRows converts snapshots to table rows.
func ticketRows(tickets []protocol.TaskSnapshot) []table.Row {
	rows := make([]table.Row, 0, len(tickets))
	for _, snap := range tickets {
		agent := snap.CurrentAgent
		if agent == "" {
			agent = "-"
		}
		rows = append(rows, table.Row{
			snap.TicketID,
			string(snap.Status),
			agent,
			fmt.Sprintf("%d", snap.RetryCount),
			time.UnixMilli(snap.UpdatedAt).UTC().Format(time.RFC3339),
		})
	}
	return rows
}
