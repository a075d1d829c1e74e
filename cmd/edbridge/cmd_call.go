package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"edbridge/pkg/control"
)

// errToolFailed marks a call that reached the host but returned a tool error.
var errToolFailed = errors.New("tool call failed")

// newCallCmd creates the "edbridge call" subcommand.
func newCallCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Call a tool on the running host",
		Long: `Sends one tool call to the host's control socket and prints the result.

Tools:
  read_state                       - bridge and worker state, read from the worker
  bridge_status                    - host's local view, no worker round trip
  execute {"tool_name": ...}       - run a worker tool and wait
  submit_job {"mode": "all"}       - queue a test run
  get_job_status {"job_id": ...}   - poll a job
  cancel_job {"job_id": ...}       - cancel a job

Exits non-zero when the tool returns an error.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			var raw json.RawMessage
			if len(args) == 2 {
				raw = json.RawMessage(args[1])
				if !json.Valid(raw) {
					return fmt.Errorf("arguments are not valid JSON: %s", args[1])
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runCall(ctx, cmd.OutOrStdout(), cfg.ControlSocket, args[0], raw)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 11*time.Minute, "give up waiting for the host after this long")

	return cmd
}

// runCall performs one call and prints the structured result indented.
func runCall(ctx context.Context, w io.Writer, socketPath, tool string, args json.RawMessage) error {
	resp, err := control.Call(ctx, socketPath, tool, args)
	if err != nil {
		return err
	}
	if len(resp.StructuredContent) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, resp.StructuredContent, "", "  "); err != nil {
			return fmt.Errorf("format result: %w", err)
		}
		fmt.Fprintln(w, buf.String())
	} else {
		fmt.Fprintln(w, resp.Text())
	}
	if resp.IsError {
		return fmt.Errorf("%w: %s", errToolFailed, resp.Text())
	}
	return nil
}
