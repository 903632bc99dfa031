// Package clicmd builds the sbs Cobra command tree: eight thin verbs
// that open the store and delegate to internal/command, the way
// internal/cli.BuildCLI builds beaver-raft's one-func-per-verb tree.
// This package owns no job-lifecycle logic of its own — per spec.md
// §1, the CLI is an external collaborator.
package clicmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/sbs/internal/command"
	"github.com/ChuLiYu/sbs/internal/config"
	"github.com/ChuLiYu/sbs/internal/dispatcher"
	"github.com/ChuLiYu/sbs/internal/metrics"
	"github.com/ChuLiYu/sbs/internal/store"
	"github.com/ChuLiYu/sbs/pkg/types"
	"github.com/spf13/cobra"
)

var configFile string

// BuildCLI constructs the root "sbs" command and attaches one
// subcommand per spec.md §4.6 verb.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "sbs",
		Short: "sbs: a single-host batch job scheduler",
		Long: `sbs submits shell scripts as jobs, tracks their lifecycle through a
filesystem-backed queue store, honors afterok dependencies, and runs
them concurrently up to configured CPU/memory budgets.`,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "dispatcher config file path (YAML)")

	root.AddCommand(
		buildSubmitCommand(),
		buildHoldCommand(),
		buildReleaseCommand(),
		buildCancelCommand(),
		buildCleanupCommand(),
		buildRunCommand(),
		buildShutdownCommand(),
		buildStatusCommand(),
	)

	return root
}

func openStore() (*store.Store, error) {
	root := os.Getenv("SBSHOME")
	return store.Open(root)
}

func parseJobID(arg string) (types.JobID, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", arg, err)
	}
	return types.JobID(n), nil
}

func parseJobIDs(args []string) ([]types.JobID, error) {
	ids := make([]types.JobID, 0, len(args))
	for _, a := range args {
		id, err := parseJobID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func buildSubmitCommand() *cobra.Command {
	var opts command.SubmitOptions
	var afterokRaw string
	var scriptFile string

	cmd := &cobra.Command{
		Use:   "submit [script]",
		Short: "Submit a script as a new job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := readSource(args, scriptFile)
			if err != nil {
				return err
			}

			if afterokRaw != "" {
				ids, err := parseJobIDs(strings.Split(afterokRaw, ":"))
				if err != nil {
					return err
				}
				opts.AfterOK = ids
			}

			s, err := openStore()
			if err != nil {
				return err
			}

			opts.Metrics = metrics.NewCollector()

			id, err := command.Submit(s, source, opts)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&scriptFile, "file", "", "path to the script file (default: read stdin or use the positional argument)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "job name")
	cmd.Flags().StringVar(&opts.MemMB, "mem", "", "memory budget, e.g. 512M or 2G")
	cmd.Flags().StringVar(&opts.Mail, "mail", "", "notification address")
	cmd.Flags().IntVar(&opts.Procs, "procs", 0, "process/slot count")
	cmd.Flags().StringVar(&afterokRaw, "afterok", "", "colon-separated predecessor job ids")
	cmd.Flags().BoolVar(&opts.Hold, "hold", false, "submit directly to USERHOLD")
	cmd.Flags().StringVar(&opts.Stdout, "stdout", "", "stdout target path or directory")
	cmd.Flags().StringVar(&opts.Stderr, "stderr", "", "stderr target path or directory")
	cmd.Flags().StringVar(&opts.WD, "wd", "", "working directory")

	return cmd
}

func readSource(args []string, scriptFile string) (string, error) {
	if scriptFile != "" {
		data, err := os.ReadFile(scriptFile)
		if err != nil {
			return "", fmt.Errorf("read script file: %w", err)
		}
		return string(data), nil
	}
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := os.ReadFile("/dev/stdin")
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func buildHoldCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hold [id...]",
		Short: "Hold jobs (USERHOLD)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			return command.Hold(s, ids...)
		},
	}
}

func buildReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release [id...]",
		Short: "Release held jobs back to HOLD for dependency re-evaluation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			return command.Release(s, ids...)
		},
	}
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [id...]",
		Short: "Cancel jobs, killing their child process if running",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			return command.Cancel(s, ids...)
		},
	}
}

func buildCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [id]",
		Short: "Delete terminal jobs not referenced by a pending afterok",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}

			var only *types.JobID
			if len(args) == 1 {
				id, err := parseJobID(args[0])
				if err != nil {
					return err
				}
				only = &id
			}

			cleaned, kept, err := command.Cleanup(s, only)
			if err != nil {
				return err
			}
			fmt.Printf("cleaned: %v\n", cleaned)
			fmt.Printf("kept (still referenced): %v\n", kept)
			return nil
		},
	}
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			s, err := openStore()
			if err != nil {
				return err
			}

			m := metrics.NewCollector()
			if cfg.Metrics.Enabled {
				go func() {
					if err := metrics.StartServer(cfg.Metrics.Port, m.Registry); err != nil {
						fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
					}
				}()
			}

			d := dispatcher.New(s, dispatcher.Config{
				MaxProcs:     cfg.Dispatcher.MaxProcs,
				MaxMemMB:     cfg.Dispatcher.MaxMemMB,
				Forever:      cfg.Dispatcher.Forever,
				TickInterval: cfg.TickInterval(),
			}, m)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			return d.Run(ctx)
		},
	}
}

func buildShutdownCommand() *cobra.Command {
	var kill bool
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Request the dispatcher to stop on its next tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			return command.RequestShutdown(s, kill)
		},
	}
	cmd.Flags().BoolVar(&kill, "kill", false, "also cancel every running job before exiting")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show the job table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}

			var only *types.JobID
			if len(args) == 1 {
				id, err := parseJobID(args[0])
				if err != nil {
					return err
				}
				only = &id
			}

			jobs, err := command.Status(s, only)
			if err != nil {
				return err
			}
			printJobTable(jobs)
			return nil
		},
	}
}

// printJobTable renders jobs as a human-readable table. Table
// rendering is out of scope per spec.md §1, so this is deliberately
// minimal: one tabwriter, no column customization.
func printJobTable(jobs []types.Job) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tNAME\tSUBMITTED")
	for _, j := range jobs {
		var submitted string
		if len(j.StatusHistory) > 0 {
			submitted = j.StatusHistory[0].At.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", j.ID, j.Current(), j.Settings.SanitizedName(), submitted)
	}
	w.Flush()
}
