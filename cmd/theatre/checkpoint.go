package main

import (
	"github.com/spf13/cobra"

	"github.com/oriys/theatre/internal/checkpoint"
)

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint <session-id>",
		Short: "Fetch the latest local checkpoint for a session from a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap checkpoint.Snapshot
			if err := newDaemonClient().do("GET", "/v1/sessions/"+args[0]+"/checkpoint", nil, &snap); err != nil {
				return err
			}
			return printJSON(&snap)
		},
	}

	cmd.AddCommand(checkpointListCmd(), checkpointCreateCmd(), checkpointRestoreCmd())
	return cmd
}

func checkpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <session-id>",
		Short: "List every local checkpoint taken for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snaps []checkpoint.Snapshot
			if err := newDaemonClient().do("GET", "/v1/sessions/"+args[0]+"/checkpoints", nil, &snaps); err != nil {
				return err
			}
			return printJSON(&snaps)
		},
	}
}

func checkpointCreateCmd() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "create <session-id>",
		Short: "Checkpoint a session's current state under a label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				CheckpointID string `json:"checkpoint_id"`
			}
			err := newDaemonClient().do("POST", "/v1/sessions/"+args[0]+"/checkpoint", struct {
				Label string `json:"label"`
			}{Label: label}, &resp)
			if err != nil {
				return err
			}
			return printJSON(&resp)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Label to record the checkpoint under")
	return cmd
}

func checkpointRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <session-id> <checkpoint-id>",
		Short: "Restore a session's state to a previously taken checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess struct {
				ID           string `json:"id"`
				Status       string `json:"status"`
				CurrentBlock string `json:"current_block"`
			}
			err := newDaemonClient().do("POST", "/v1/sessions/"+args[0]+"/restore", struct {
				CheckpointID string `json:"checkpoint_id"`
			}{CheckpointID: args[1]}, &sess)
			if err != nil {
				return err
			}
			return printJSON(&sess)
		},
	}
}
