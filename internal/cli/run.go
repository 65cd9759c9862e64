package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/batchsend/internal/config"
	"github.com/obsidianstack/batchsend/internal/dispatch"
	"github.com/obsidianstack/batchsend/internal/metrics"
	"github.com/obsidianstack/batchsend/internal/sender"
	"github.com/obsidianstack/batchsend/internal/state"
)

type runOptions struct {
	configPath  string
	envFile     string
	endpoint    string
	input       string
	batchSize   int
	delay       time.Duration
	start       int
	retry       bool
	stateDir    string
	timeout     time.Duration
	checkpoint  bool
	metricsFile string
	transport   string
}

func newRunCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch the input file in batches (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "optional YAML config file, watched for delay changes")
	f.StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	f.StringVar(&o.endpoint, "endpoint", "", "webhook URL (overrides "+config.EnvEndpoint+")")
	f.StringVar(&o.input, "input", "", "JSON records file (overrides "+config.EnvInputPath+")")
	f.IntVar(&o.batchSize, "batch-size", config.DefaultBatchSize, "records per batch")
	f.DurationVar(&o.delay, "delay", config.DefaultDelay, "pause between batches")
	f.IntVar(&o.start, "start", 0, "first batch index to process")
	f.BoolVar(&o.retry, "retry", false, "send only the batches listed in failed.txt")
	f.StringVar(&o.stateDir, "state-dir", config.DefaultStateDir, "directory holding next.txt and failed.txt")
	f.DurationVar(&o.timeout, "timeout", config.DefaultRequestTimeout, "per-request timeout")
	f.BoolVar(&o.checkpoint, "checkpoint", false, "write next.txt after each batch and resume from it")
	f.StringVar(&o.metricsFile, "metrics-file", "", "write a Prometheus textfile summary here")
	f.StringVar(&o.transport, "transport", config.TransportHTTP, "delivery transport: http | kafka")
	return cmd
}

// overrides returns one config.Override per flag set explicitly on the
// command line, so flags win over the environment only when given.
func (o *runOptions) overrides(cmd *cobra.Command) []config.Override {
	changed := cmd.Flags().Changed
	var out []config.Override
	add := func(name string, fn config.Override) {
		if changed(name) {
			out = append(out, fn)
		}
	}
	add("endpoint", func(c *config.Config) { c.Endpoint = o.endpoint })
	add("input", func(c *config.Config) { c.InputPath = o.input })
	add("batch-size", func(c *config.Config) { c.BatchSize = o.batchSize })
	add("delay", func(c *config.Config) { c.Delay = o.delay })
	add("start", func(c *config.Config) { c.Start = o.start })
	add("retry", func(c *config.Config) { c.RetryMode = o.retry })
	add("state-dir", func(c *config.Config) { c.StateDir = o.stateDir })
	add("timeout", func(c *config.Config) { c.RequestTimeout = o.timeout })
	add("checkpoint", func(c *config.Config) { c.Checkpoint = o.checkpoint })
	add("metrics-file", func(c *config.Config) { c.MetricsFile = o.metricsFile })
	add("transport", func(c *config.Config) { c.Transport = o.transport })
	return out
}

func (o *runOptions) run(cmd *cobra.Command) error {
	ctx := cmd.Context()
	loader := config.Loader{
		Path:      o.configPath,
		EnvFile:   o.envFile,
		Overrides: o.overrides(cmd),
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	slog.Info("batchsend: config loaded",
		"endpoint", cfg.Endpoint,
		"input", cfg.InputPath,
		"transport", cfg.Transport,
		"batch_size", cfg.BatchSize,
		"delay", cfg.Delay,
		"start", cfg.Start,
		"retry_mode", cfg.RetryMode,
		"state_dir", cfg.StateDir,
		"checkpoint", cfg.Checkpoint,
	)

	s, err := sender.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("batchsend: closing sender", "err", err)
		}
	}()

	d := dispatch.New(cfg, s, state.NewFiles(cfg.StateDir))

	if o.configPath != "" {
		watchCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			err := loader.Watch(watchCtx, func(updated *config.Config) {
				d.SetDelay(updated.Delay)
			})
			if err != nil && watchCtx.Err() == nil {
				slog.Warn("batchsend: config watcher stopped", "err", err)
			}
		}()
	}

	sum, runErr := d.Run(ctx)
	if sum != nil && cfg.MetricsFile != "" {
		if err := metrics.WriteFile(cfg.MetricsFile, sum); err != nil {
			slog.Error("batchsend: writing metrics file", "path", cfg.MetricsFile, "err", err)
		}
	}
	return runErr
}
