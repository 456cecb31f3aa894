package main

import (
	"github.com/spf13/cobra"

	"github.com/oriys/theatre/internal/domain"
)

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a running or suspended session on a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess domain.Session
			if err := newDaemonClient().do("POST", "/v1/sessions/"+args[0]+"/cancel", nil, &sess); err != nil {
				return err
			}
			return printJSON(&sess)
		},
	}
}
