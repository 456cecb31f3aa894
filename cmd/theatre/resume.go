package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oriys/theatre/internal/domain"
)

func resumeCmd() *cobra.Command {
	var inputArg string

	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a suspended session on a running daemon with an input value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if inputArg != "" {
				data, err := readArgOrFile(inputArg)
				if err != nil {
					return err
				}
				raw = data
			}

			var sess domain.Session
			err := newDaemonClient().do("POST", "/v1/sessions/"+args[0]+"/resume", struct {
				Input json.RawMessage `json:"input"`
			}{Input: raw}, &sess)
			if err != nil {
				return err
			}
			return printJSON(&sess)
		},
	}

	cmd.Flags().StringVar(&inputArg, "input", "", "Resume input: a JSON literal, or @path to a JSON file")
	return cmd
}

func readArgOrFile(arg string) ([]byte, error) {
	if strings.HasPrefix(arg, "@") {
		return os.ReadFile(strings.TrimPrefix(arg, "@"))
	}
	return []byte(arg), nil
}
