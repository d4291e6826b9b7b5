package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands attached
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.SetOut(c.out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(c),
		createLoginCommand(c),
		createEventsCommand(c),
		createRaiseCommand(c),
		createAckCommand(c),
		createAckRefCommand(c),
		createErrCodeCommand(c),
		createCheckSettingsCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procguard",
		Short: "External process supervisor with event acknowledgement tracking",
		Long: `Procguard starts one external process, restarts it at most once per restart
window, and tracks the events it raises until an operator acknowledges them.

Examples:
  procguard serve --config=procguard.toml       # Start daemon
  procguard status                              # Supervisor state via the local daemon
  procguard events --api-url=http://host:8091/api
  procguard errcode --file=scenarios.xml --event=500010001 --scenario=211`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default "+defaultAPIUrl+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an https daemon")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}

func mustRequire(cmd *cobra.Command, names ...string) {
	for _, n := range names {
		if err := cmd.MarkFlagRequired(n); err != nil {
			panic(err)
		}
	}
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the procguard daemon",
		Long: `Start the daemon: supervise the configured process and serve the HTTP API.
All configuration is loaded from the TOML config file.

Examples:
  procguard serve --config=procguard.toml
  procguard serve procguard.toml --daemonize --pidfile=/run/procguard.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show controller, device and process status",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Status(*f) },
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createLoginCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Report that the supervised process finished its remote login",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Login(*f) },
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createEventsCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List active events awaiting acknowledgement",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Events(*f) },
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createRaiseCommand(c command) *cobra.Command {
	f := &RaiseFlags{}
	cmd := &cobra.Command{
		Use:   "raise",
		Short: "Raise an event on the daemon's event bus",
		Long: `Raise an event. Events whose definition requires acknowledgement get an event key.

Examples:
  procguard raise --event=500010001 --scenario=211 --source=operator`,
		RunE: func(cmd *cobra.Command, args []string) error { return c.Raise(*f) },
	}
	cmd.Flags().Uint32Var(&f.EventID, "event", 0, "event id (required)")
	cmd.Flags().Uint32Var(&f.ScenarioID, "scenario", 0, "scenario id")
	cmd.Flags().StringVar(&f.Source, "source", "cli", "reporting component")
	cmd.Flags().StringSliceVar(&f.Args, "arg", nil, "event argument (repeatable)")
	addAPIFlags(cmd, &f.APIFlags)
	mustRequire(cmd, "event")
	return cmd
}

func createAckCommand(c command) *cobra.Command {
	f := &AckFlags{}
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge an active event by key",
		Long: `Acknowledge an active event. Type is one of ok, nok, proxy, cancel.

Examples:
  procguard ack --key=3 --type=ok
  procguard ack --key=3 --type=proxy`,
		RunE: func(cmd *cobra.Command, args []string) error { return c.Ack(*f) },
	}
	cmd.Flags().Uint64Var(&f.Key, "key", 0, "event key (required)")
	cmd.Flags().StringVar(&f.Type, "type", "ok", "acknowledgement type: ok, nok, proxy, cancel")
	addAPIFlags(cmd, &f.APIFlags)
	mustRequire(cmd, "key")
	return cmd
}

func createAckRefCommand(c command) *cobra.Command {
	f := &AckRefFlags{}
	cmd := &cobra.Command{
		Use:   "ack-ref",
		Short: "Answer a notification reference with OK or NOK",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.AckRef(*f) },
	}
	cmd.Flags().StringVar(&f.Ref, "ref", "", "notification reference (required)")
	cmd.Flags().BoolVar(&f.NOK, "nok", false, "answer NOK instead of OK")
	addAPIFlags(cmd, &f.APIFlags)
	mustRequire(cmd, "ref")
	return cmd
}

func createErrCodeCommand(c command) *cobra.Command {
	f := &ErrCodeFlags{}
	cmd := &cobra.Command{
		Use:   "errcode",
		Short: "Look up the error code for an event and scenario in a scenario file",
		Long: `Resolve an error code offline from the scenario/error XML file.

Examples:
  procguard errcode --file=scenarios.xml --event=500010001 --scenario=211
  procguard errcode --file=scenarios.xml --list`,
		RunE: func(cmd *cobra.Command, args []string) error { return c.ErrCode(*f) },
	}
	cmd.Flags().StringVar(&f.File, "file", "", "scenario/error XML file (required)")
	cmd.Flags().Uint32Var(&f.EventID, "event", 0, "event id")
	cmd.Flags().Uint32Var(&f.ScenarioID, "scenario", 0, "scenario id")
	cmd.Flags().BoolVar(&f.List, "list", false, "print every event and its mappings")
	mustRequire(cmd, "file")
	return cmd
}

func createCheckSettingsCommand(c command) *cobra.Command {
	f := &CheckSettingsFlags{}
	cmd := &cobra.Command{
		Use:   "check-settings",
		Short: "Validate a process settings XML file",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.CheckSettings(*f) },
	}
	cmd.Flags().StringVar(&f.File, "file", "", "process settings XML file (required)")
	cmd.Flags().StringVar(&f.Name, "name", "", "process name (default: first process)")
	mustRequire(cmd, "file")
	return cmd
}
