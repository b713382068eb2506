package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ongoingai/calltrace/internal/callid"
	"github.com/ongoingai/calltrace/internal/config"
	"github.com/ongoingai/calltrace/internal/render"
	"github.com/ongoingai/calltrace/internal/sbc"
	"github.com/ongoingai/calltrace/internal/trace"
	"github.com/ongoingai/calltrace/internal/version"
	"github.com/spf13/cobra"
	"github.com/valyala/fastjson"
)

const commandTimeout = 2 * time.Minute

func newVersionCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(out, version.String())
			return nil
		},
	}
}

func newConfigCommand(opts *rootOptions, out io.Writer, errOut io.Writer) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file and environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, err := loadAndValidateConfig(opts.configPath)
			if err != nil {
				fmt.Fprintf(errOut, "config is invalid: %v\n", err)
				return exitError{code: 1}
			}
			fmt.Fprintf(out, "config is valid: %s\n", opts.configPath)
			return nil
		},
	})
	return configCmd
}

type callTraceOutput struct {
	CallID   string          `json:"callId"`
	CallType string          `json:"callType"`
	Data     json.RawMessage `json:"data"`
}

func newTraceCommand(opts *rootOptions, out io.Writer, errOut io.Writer) *cobra.Command {
	var format string
	var rawFallback bool
	cmd := &cobra.Command{
		Use:   "trace <call-id>",
		Short: "Correlate one call and print its trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputFormat, err := normalizeTextJSONFormat("trace", format, "text")
			if err != nil {
				fmt.Fprintln(errOut, err)
				return exitError{code: 2}
			}
			cfg, err := loadConfigOrReport(opts.configPath, errOut)
			if err != nil {
				return err
			}
			logger := newLogger(errOut, cfg.Log.Level)
			wired := newComponents(cfg, nil, nil, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			doc, err := wired.correlator.Correlate(ctx, args[0])
			if err != nil {
				fmt.Fprintf(errOut, "trace %s failed: %v\n", args[0], err)
				return exitError{code: 1}
			}

			if outputFormat == "text" {
				fmt.Fprintln(out, render.Text(doc))
				return nil
			}
			body, err := render.Body(doc, render.StructuredOptions{RawFallback: rawFallback})
			if err != nil {
				fmt.Fprintf(errOut, "render trace: %v\n", err)
				return exitError{code: 1}
			}
			return writeJSONOutput(out, errOut, callTraceOutput{
				CallID:   args[0],
				CallType: callid.Classify(args[0]).String(),
				Data:     body,
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	cmd.Flags().BoolVar(&rawFallback, "raw-fallback", false, "Print the raw backend answer when the log has no INVITE (json only)")
	return cmd
}

func newSBCCommand(opts *rootOptions, out io.Writer, errOut io.Writer) *cobra.Command {
	sbcCmd := &cobra.Command{
		Use:   "sbc",
		Short: "Run SBC sync jobs and inspect stored traces",
	}

	sbcCmd.AddCommand(&cobra.Command{
		Use:   "fetch",
		Short: "Fetch recent SBC calls into the trace store once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, errOut, func(ctx context.Context, cfg config.Config, wired *components) error {
				result, err := wired.sync.FetchRecent(ctx)
				if err != nil {
					fmt.Fprintf(errOut, "sbc fetch failed: %v\n", err)
					return exitError{code: 1}
				}
				return writeJSONOutput(out, errOut, result)
			})
		},
	})

	sbcCmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete stored traces past the retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, errOut, func(ctx context.Context, cfg config.Config, wired *components) error {
				deleted, err := wired.sync.Cleanup(ctx)
				if err != nil {
					fmt.Fprintf(errOut, "sbc cleanup failed: %v\n", err)
					return exitError{code: 1}
				}
				fmt.Fprintf(out, "deleted %d traces older than %s\n", deleted, cfg.Jobs.SBCCleanup.Retention)
				return nil
			})
		},
	})

	var format string
	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one stored SBC trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputFormat, err := normalizeTextJSONFormat("sbc show", format, "text")
			if err != nil {
				fmt.Fprintln(errOut, err)
				return exitError{code: 2}
			}
			return withStore(cmd.Context(), opts, errOut, func(ctx context.Context, _ config.Config, wired *components) error {
				item, err := wired.store.Get(ctx, args[0])
				if err != nil {
					fmt.Fprintf(errOut, "sbc show %s failed: %v\n", args[0], err)
					return exitError{code: 1}
				}
				if outputFormat == "json" {
					return writeJSONOutput(out, errOut, storedTraceOutput(item))
				}
				var p fastjson.Parser
				payload, err := sbc.Parse(&p, item.Payload)
				if err != nil {
					fmt.Fprintf(errOut, "stored trace %s is unreadable: %v\n", item.ID, err)
					return exitError{code: 1}
				}
				fmt.Fprintln(out, render.SBCTrace(payload))
				return nil
			})
		},
	}
	showCmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	sbcCmd.AddCommand(showCmd)

	return sbcCmd
}

// withStore loads config, opens the trace store and wires the components
// around it for the duration of fn.
func withStore(parent context.Context, opts *rootOptions, errOut io.Writer, fn func(context.Context, config.Config, *components) error) error {
	cfg, err := loadConfigOrReport(opts.configPath, errOut)
	if err != nil {
		return err
	}
	store, err := newTraceStore(cfg.Storage)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return exitError{code: 1}
	}
	defer store.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()
	return fn(ctx, cfg, newComponents(cfg, store, nil, newLogger(errOut, cfg.Log.Level)))
}

type storedTrace struct {
	ID            string          `json:"id"`
	Calling       string          `json:"calling,omitempty"`
	Called        string          `json:"called,omitempty"`
	CallTimestamp *time.Time      `json:"call_timestamp,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

func storedTraceOutput(item *trace.SBCTrace) storedTrace {
	return storedTrace{
		ID:            item.ID,
		Calling:       item.Calling,
		Called:        item.Called,
		CallTimestamp: item.CallTimestamp,
		CreatedAt:     item.CreatedAt,
		Payload:       json.RawMessage(item.Payload),
	}
}

func writeJSONOutput(out io.Writer, errOut io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		fmt.Fprintf(errOut, "encode output: %v\n", err)
		return exitError{code: 1}
	}
	return nil
}
