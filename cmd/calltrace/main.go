package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "calltrace.yaml"

const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second

// A correlation run may wait on all three backends.
const serverWriteTimeout = 2 * time.Minute
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

// exitError carries a process exit code through cobra's RunE.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	root := newRootCommand(out, errOut)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		// Flag and argument errors.
		fmt.Fprintln(errOut, err)
		return 2
	}
	return 0
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCommand(out io.Writer, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "calltrace",
		Short: "Call trace aggregation gateway",
		Long: `calltrace joins the call-log, CDR and SBC views of a telephony call
into one trace, serves it over HTTP, and keeps a local copy of recent SBC
call traces.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(opts.envFile, cmd.Flags().Changed("env-file")); err != nil {
				fmt.Fprintf(errOut, "failed to load env file: %v\n", err)
				return exitError{code: 1}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(opts, errOut)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Path to a dotenv file loaded before the config")

	root.AddCommand(
		newServeCommand(opts, errOut),
		newVersionCommand(out),
		newConfigCommand(opts, out, errOut),
		newTraceCommand(opts, out, errOut),
		newSBCCommand(opts, out, errOut),
	)
	return root
}
