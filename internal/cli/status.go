package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/batchsend/internal/config"
	"github.com/obsidianstack/batchsend/internal/state"
)

func newStatusCmd() *cobra.Command {
	var configPath, envFile, stateDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint and failure log in the state directory",
		Long: `status prints the checkpoint and failure log of the state directory a run
would use: --state-dir if given, otherwise STATE_DIR, the env file or the
YAML state_dir, in the same order as run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.Loader{Path: configPath, EnvFile: envFile}
			if cmd.Flags().Changed("state-dir") {
				loader.Overrides = append(loader.Overrides, func(c *config.Config) { c.StateDir = stateDir })
			}
			dir, err := loader.StateDir()
			if err != nil {
				return err
			}
			return printStatus(cmd, dir, state.NewFiles(dir))
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "optional YAML config file")
	f.StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	f.StringVar(&stateDir, "state-dir", config.DefaultStateDir, "directory holding next.txt and failed.txt")
	return cmd
}

func printStatus(cmd *cobra.Command, dir string, repo state.Repository) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "state dir: %s\n", dir)

	next, ok, err := repo.Checkpoint()
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(out, "checkpoint: next batch index %d\n", next)
	} else {
		fmt.Fprintln(out, "checkpoint: none")
	}

	failures, err := repo.Failures()
	if err != nil {
		return err
	}
	distinct := state.Distinct(failures)
	if len(distinct) == 0 {
		fmt.Fprintln(out, "failed batches: none")
		return nil
	}
	idx := make([]string, len(distinct))
	for i, n := range distinct {
		idx[i] = strconv.Itoa(n)
	}
	fmt.Fprintf(out, "failed batches: %d entries, %d distinct: %s\n",
		len(failures), len(distinct), strings.Join(idx, ", "))
	return nil
}
