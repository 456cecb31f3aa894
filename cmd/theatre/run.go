package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oriys/theatre/internal/checkpoint"
	"github.com/oriys/theatre/internal/coordinator"
	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/ffi"
	"github.com/oriys/theatre/internal/logging"
	"github.com/oriys/theatre/internal/transpiler"
	"github.com/oriys/theatre/internal/value"
)

func runCmd() *cobra.Command {
	var (
		stateArg  string
		gasBudget uint64
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "run <flow-file>",
		Short: "Compile a flow definition and execute it to completion or first suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLevelFromString(logLevel)

			def, err := loadFlowDefinition(args[0])
			if err != nil {
				return fmt.Errorf("load flow: %w", err)
			}

			registry := coordinator.NewContractRegistry()
			contract, err := transpileAndRegister(registry, def)
			if err != nil {
				return fmt.Errorf("compile flow: %w", err)
			}

			initial, err := loadInitialState(stateArg)
			if err != nil {
				return fmt.Errorf("load initial state: %w", err)
			}

			coord := coordinator.New(
				coordinator.NewMemorySessionStore(),
				registry,
				ffi.NewRegistry(contract.Permissions),
				checkpoint.NewStore(0),
				nil,
				nil,
				coordinator.Config{DefaultGasBudget: gasBudget},
			)

			sess, err := coord.Start(cmd.Context(), contract.Name, initial, gasBudget)
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}

			return printSession(sess)
		},
	}

	cmd.Flags().StringVar(&stateArg, "state", "{}", "Initial state: a JSON literal, or @path to a JSON file")
	cmd.Flags().Uint64Var(&gasBudget, "gas", 0, "Gas budget for the session (0 uses the configured default)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

// loadFlowDefinition reads a flow definition from path, decoding it as
// YAML when the extension is .yaml/.yml and as JSON otherwise. YAML is
// bridged through an untyped decode and a JSON re-marshal so the result
// honors FlowDefinition's json tags instead of yaml.v3's own default
// field-name casing.
func loadFlowDefinition(path string) (*domain.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var def domain.FlowDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		bridged, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("re-marshal yaml as json: %w", err)
		}
		if err := json.Unmarshal(bridged, &def); err != nil {
			return nil, fmt.Errorf("decode flow: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("decode flow: %w", err)
		}
	}

	return &def, nil
}

// transpileAndRegister compiles def and registers the resulting Contract
// into registry, returning it for logging/inspection by the caller.
func transpileAndRegister(registry *coordinator.ContractRegistry, def *domain.FlowDefinition) (*domain.Contract, error) {
	contract, err := transpiler.Compile(def)
	if err != nil {
		return nil, err
	}
	registry.Register(contract)
	return contract, nil
}

func loadInitialState(arg string) (value.Value, error) {
	var data []byte
	if strings.HasPrefix(arg, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return value.Null(), err
		}
		data = b
	} else {
		data = []byte(arg)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return value.Null(), fmt.Errorf("decode state: %w", err)
	}
	return value.FromAny(raw), nil
}

func printSession(sess *domain.Session) error {
	out, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if sess.Status == domain.SessionFailed {
		return fmt.Errorf("session %s failed: %s", sess.ID, sess.ErrorEnvelope.Message)
	}
	return nil
}
