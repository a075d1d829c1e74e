package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"edbridge/pkg/bridge"
	"edbridge/pkg/control"
)

// statusTimeout bounds one status query.
const statusTimeout = 3 * time.Second

// newStatusCmd creates the "edbridge status" subcommand.
func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show host, worker and queue state",
		Long:  "Asks the running host for its local view: bridge and worker lifecycle,\nwaiting reason, queue depth and open connections.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()
			st, err := fetchStatus(ctx, cfg.ControlSocket)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprintln(w, renderStatus(st, isTerminal(w), time.Now()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status object")

	return cmd
}

// fetchStatus calls bridge_status on the host's control socket.
func fetchStatus(ctx context.Context, socketPath string) (bridge.Status, error) {
	resp, err := control.Call(ctx, socketPath, "bridge_status", nil)
	if err != nil {
		return bridge.Status{}, fmt.Errorf("host not reachable: %w", err)
	}
	if resp.IsError {
		return bridge.Status{}, fmt.Errorf("%w: %s", errToolFailed, resp.Text())
	}
	var st bridge.Status
	if err := resp.Decode(&st); err != nil {
		return bridge.Status{}, err
	}
	return st, nil
}

// renderStatus formats st as aligned label/value lines, colored when styled.
func renderStatus(st bridge.Status, styled bool, now time.Time) string {
	theme := DefaultTheme()
	paint := func(c lipgloss.Color, s string) string {
		if !styled {
			return s
		}
		return lipgloss.NewStyle().Foreground(c).Render(s)
	}
	label := func(s string) string {
		return paint(theme.Muted, fmt.Sprintf("%-12s", s))
	}

	worker := string(st.WorkerState)
	if !st.Connected {
		worker = "disconnected"
	}
	probe := "never"
	if !st.LastProbeReplyAt.IsZero() {
		probe = now.Sub(st.LastProbeReplyAt).Round(time.Second).String() + " ago"
	}

	lines := []string{
		label("bridge") + paint(theme.BridgeColor(st.BridgeState), string(st.BridgeState)),
		label("worker") + paint(theme.WorkerColor(st.WorkerState), worker),
		label("waiting") + string(st.WaitingReason),
		label("seq") + fmt.Sprintf("%d", st.Seq),
		label("last probe") + probe,
		label("queue") + paint(theme.Primary, fmt.Sprintf("%d running, %d queued", st.Running, st.Queued)),
		label("pending") + fmt.Sprintf("%d", st.Pending),
		label("connections") + fmt.Sprintf("%d", st.Connections),
	}
	if st.WorkerInstanceID != "" {
		lines = append(lines, label("instance")+st.WorkerInstanceID)
	}
	return strings.Join(lines, "\n")
}
