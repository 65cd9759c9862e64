package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/batchsend/internal/config"
	"github.com/obsidianstack/batchsend/internal/dispatch"
	"github.com/obsidianstack/batchsend/internal/records"
)

// NewRootCmd builds the batchsend command tree. Running the root command
// without a subcommand is the same as "batchsend run".
func NewRootCmd() *cobra.Command {
	var logFormat, logLevel string

	run := newRunCmd()
	root := &cobra.Command{
		Use:   "batchsend",
		Short: "Send a JSON record file to a webhook in paced batches",
		Long: `batchsend reads a JSON array of records, splits it into batches and POSTs
each batch to a webhook, pausing between requests. Failed batch indices are
appended to failed.txt so a later run with --retry sends only those.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.OutOrStdout(), logFormat, logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
		RunE: run.RunE,
	}
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log output format: json | text")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level: debug | info | warn | error")

	// The root command shares the run command's flags so it can act as its
	// default.
	root.Flags().AddFlagSet(run.Flags())

	root.AddCommand(run, newStatusCmd())
	return root
}

// Execute runs the command tree with args and returns the process exit
// code: 0 when the command completed, 1 on any fatal error or interruption.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("batchsend: fatal", "kind", errorKind(err), "err", err)
		return 1
	}
	return 0
}

// errorKind classifies a fatal error for the log line printed on exit.
func errorKind(err error) string {
	var (
		cfgErr   *config.Error
		parseErr *records.ParseError
		shapeErr *records.ShapeError
	)
	switch {
	case errors.Is(err, dispatch.ErrInterrupted):
		return "interrupted"
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &shapeErr):
		return "shape"
	default:
		return "internal"
	}
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("cli: invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("cli: invalid --log-format %q, want json or text", format)
	}
}
