package main

import (
	"github.com/spf13/cobra"

	"github.com/oriys/theatre/internal/domain"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Fetch a session's current state from a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess domain.Session
			if err := newDaemonClient().do("GET", "/v1/sessions/"+args[0], nil, &sess); err != nil {
				return err
			}
			return printJSON(&sess)
		},
	}
}
