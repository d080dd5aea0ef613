package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/qmlh/agentmesh/bus"
	"github.com/qmlh/agentmesh/kernel"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Read-only dashboard tailing the realtime sync feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := newKernel()
		if err != nil {
			return err
		}
		seedDemoAgents(k)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		k.Start(ctx)
		defer k.Stop()

		events := make(chan string, 64)
		k.Bus.Connect("watch-dashboard", func(m bus.Message) {
			kind, _ := m.Content["kind"].(string)
			if kind == "" {
				kind = string(m.Type)
			}
			select {
			case events <- kind:
			default:
			}
		})

		if _, err := k.SubmitTask("observability demo", "seeded for the watch dashboard", "feature", 2); err != nil {
			return err
		}

		p := tea.NewProgram(newDashboardModel(k, events))
		_, err = p.Run()
		return err
	},
}

func init() {
	watchCmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "git workspace directory (defaults to an in-memory store)")
}

var (
	dashboardBaseStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.NormalBorder()).
				BorderForeground(lipgloss.Color("240"))

	dashboardTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("205")).
				Padding(0, 1)

	dashboardLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	dashboardEventStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("86"))
)

type dashboardModel struct {
	k        *kernel.Kernel
	events   <-chan string
	table    table.Model
	recent   []string
	lastSync time.Time
}

func newDashboardModel(k *kernel.Kernel, events <-chan string) dashboardModel {
	columns := []table.Column{
		{Title: "Metric", Width: 22},
		{Title: "Value", Width: 12},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(false), table.WithHeight(10))
	s := table.DefaultStyles()
	s.Header = s.Header.BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240")).BorderBottom(true).Bold(false)
	s.Selected = s.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57")).Bold(false)
	t.SetStyles(s)

	return dashboardModel{k: k, events: events, table: t}
}

type dashboardTickMsg time.Time
type dashboardEventMsg string

func dashboardTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return dashboardTickMsg(t) })
}

func waitForEvent(events <-chan string) tea.Cmd {
	return func() tea.Msg {
		return dashboardEventMsg(<-events)
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(dashboardTickCmd(), waitForEvent(m.events))
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case dashboardTickMsg:
		m.refresh()
		m.lastSync = time.Now()
		return m, dashboardTickCmd()
	case dashboardEventMsg:
		m.recent = append([]string{string(msg)}, m.recent...)
		if len(m.recent) > 8 {
			m.recent = m.recent[:8]
		}
		return m, waitForEvent(m.events)
	}
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *dashboardModel) refresh() {
	st := m.k.Status()
	rows := []table.Row{
		{"Registered agents", fmt.Sprintf("%d", st.AgentCount)},
		{"Tasks total", fmt.Sprintf("%d", st.TaskStats.Total)},
		{"Tasks available", fmt.Sprintf("%d", st.TaskStats.Available)},
		{"Executions running", fmt.Sprintf("%d", st.Assignments.Running)},
		{"Executions completed", fmt.Sprintf("%d", st.Assignments.Completed)},
		{"Executions failed", fmt.Sprintf("%d", st.Assignments.Failed)},
	}
	m.table.SetRows(rows)
}

func (m dashboardModel) View() string {
	var b strings.Builder
	b.WriteString(dashboardTitleStyle.Render("agentmeshd — kernel status"))
	b.WriteString("\n\n")
	b.WriteString(dashboardBaseStyle.Render(m.table.View()))
	b.WriteString("\n\n")
	b.WriteString(dashboardLabelStyle.Render("recent sync events:"))
	b.WriteString("\n")
	for _, e := range m.recent {
		b.WriteString(dashboardEventStyle.Render("  • " + e))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dashboardLabelStyle.Render(fmt.Sprintf("last refresh: %s | press 'q' to quit", m.lastSync.Format("15:04:05"))))
	return b.String()
}
