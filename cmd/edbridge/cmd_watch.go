package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"edbridge/pkg/bridge"
	"edbridge/pkg/protocol"
)

// newWatchCmd creates the "edbridge watch" subcommand.
func newWatchCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of host and worker state",
		Long:  "Polls the running host and redraws its status. Press q to quit.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			p := tea.NewProgram(newWatchModel(cfg.ControlSocket, interval), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run watch view: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")

	return cmd
}

// watchTickMsg triggers the next poll.
type watchTickMsg time.Time

// statusMsg carries one poll result. err is set when the host is offline.
type statusMsg struct {
	status bridge.Status
	err    error
}

// watchModel is the Bubble Tea model for edbridge watch.
type watchModel struct {
	socketPath string
	interval   time.Duration
	fetch      func(ctx context.Context, socketPath string) (bridge.Status, error)

	spinner spinner.Model
	status  bridge.Status
	err     error
	polled  bool
	updated time.Time
}

func newWatchModel(socketPath string, interval time.Duration) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(DefaultTheme().Warning)
	if interval <= 0 {
		interval = time.Second
	}
	return watchModel{socketPath: socketPath, interval: interval, fetch: fetchStatus, spinner: sp}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

func (m watchModel) poll() tea.Cmd {
	fetch, path := m.fetch, m.socketPath
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		st, err := fetch(ctx, path)
		return statusMsg{status: st, err: err}
	}
}

// Init implements tea.Model.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

// Update implements tea.Model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}
	case statusMsg:
		m.polled = true
		m.status, m.err = msg.status, msg.err
		m.updated = time.Now()
		return m, m.tick()
	case watchTickMsg:
		return m, m.poll()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// waiting reports whether the view should animate.
func (m watchModel) waiting() bool {
	return !m.polled || m.err != nil || m.status.BridgeState != protocol.BridgeReady
}

// View implements tea.Model.
func (m watchModel) View() string {
	theme := DefaultTheme()
	title := lipgloss.NewStyle().Bold(true).Foreground(theme.Primary).Render("edbridge")
	help := lipgloss.NewStyle().Foreground(theme.Muted).Render("q quit · r refresh")

	var header, body string
	switch {
	case !m.polled:
		header = m.spinner.View() + " connecting to host"
	case m.err != nil:
		header = m.spinner.View() + lipgloss.NewStyle().Foreground(theme.Error).Render(" host offline")
		body = lipgloss.NewStyle().Foreground(theme.Muted).Render(m.err.Error())
	default:
		if m.waiting() {
			header = m.spinner.View() + " waiting: " + string(m.status.WaitingReason)
		} else {
			header = lipgloss.NewStyle().Foreground(theme.Success).Render("● ready")
		}
		body = renderStatus(m.status, true, m.updated)
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, "", header, "", body, "", help)
}
